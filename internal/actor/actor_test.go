package actor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/internal/approval"
	"github.com/nexusnarrative/narrator/internal/security"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "curator.yaml")
	content := `
name: curator
knowledge:
  - potential_posts
skills:
  - post_content
platform: discord
schedule:
  type: interval
  seconds: 300
execution:
  max_retries: 2
  stop_on_unrecoverable: true
skill_configs:
  post_content:
    enabled: true
    params:
      table: potential_posts
      channel_id: "123456789012345678"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "curator" || cfg.Schedule.Type != ScheduleInterval || cfg.Schedule.Seconds != 300 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Execution.MaxRetries != 2 || !cfg.Execution.StopOnUnrecoverable {
		t.Fatalf("execution = %+v", cfg.Execution)
	}
	sc := cfg.SkillConfigs["post_content"]
	if !sc.IsEnabled() || sc.Params["table"] != "potential_posts" {
		t.Fatalf("skill config = %+v", sc)
	}

	configs, err := LoadConfigDir(dir)
	if err != nil || len(configs) != 1 {
		t.Fatalf("dir load: %v, %d configs", err, len(configs))
	}
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{Skills: []string{"x"}},
		{Name: "a"},
		{Name: "a", Skills: []string{"x"}, Schedule: ScheduleConfig{Type: ScheduleInterval}},
		{Name: "a", Skills: []string{"x"}, Schedule: ScheduleConfig{Type: ScheduleCron}},
		{Name: "a", Skills: []string{"x"}, Schedule: ScheduleConfig{Type: "hourly"}},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("config %d should fail validation", i)
		}
	}
}

// recordingSkill fails a scripted number of times before succeeding.
type recordingSkill struct {
	name      string
	failures  int
	calls     int
	permanent bool
}

func (s *recordingSkill) Name() string { return s.name }

func (s *recordingSkill) Execute(_ context.Context, _ *SkillContext) (*Output, error) {
	s.calls++
	if s.permanent {
		return nil, apperr.Validation("test", "x", "permanently broken")
	}
	if s.calls <= s.failures {
		return nil, apperr.New(apperr.KindBackend, "test", errors.New("transient"), nil)
	}
	return &Output{Skill: s.name, Summary: "ok"}, nil
}

func runnerConfig(skills ...string) *Config {
	return &Config{
		Name:   "test-actor",
		Skills: skills,
		Execution: ExecutionConfig{
			MaxRetries:      2,
			ContinueOnError: true,
		},
	}
}

func TestExecuteOnceRetriesRecoverable(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	flaky := &recordingSkill{name: "flaky", failures: 2}
	r := NewRunner(db, []Skill{flaky})

	result, err := r.ExecuteOnce(context.Background(), runnerConfig("flaky"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if flaky.calls != 3 {
		t.Fatalf("calls = %d, want 3", flaky.calls)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0].Skill != "flaky" {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecuteOnceUnrecoverableSkipsRetry(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	broken := &recordingSkill{name: "broken", permanent: true}
	r := NewRunner(db, []Skill{broken})

	result, err := r.ExecuteOnce(context.Background(), runnerConfig("broken"), nil)
	if err != nil {
		t.Fatalf("continue_on_error actor should not abort: %v", err)
	}
	if broken.calls != 1 {
		t.Fatalf("unrecoverable error must not retry, calls = %d", broken.calls)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecuteOnceStopOnUnrecoverable(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	broken := &recordingSkill{name: "broken", permanent: true}
	after := &recordingSkill{name: "after"}
	r := NewRunner(db, []Skill{broken, after})

	cfg := runnerConfig("broken", "after")
	cfg.Execution.StopOnUnrecoverable = true

	if _, err := r.ExecuteOnce(context.Background(), cfg, nil); err == nil {
		t.Fatal("want abort error")
	}
	if after.calls != 0 {
		t.Fatal("later skills must not run after an unrecoverable abort")
	}
}

func TestExecuteOnceSkipsDisabledSkills(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	off := false
	skill := &recordingSkill{name: "quiet"}
	r := NewRunner(db, []Skill{skill})
	cfg := runnerConfig("quiet")
	cfg.SkillConfigs = map[string]SkillConfig{"quiet": {Enabled: &off}}

	result, err := r.ExecuteOnce(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if skill.calls != 0 || len(result.Skipped) != 1 {
		t.Fatalf("skill ran anyway: calls=%d result=%+v", skill.calls, result)
	}
}

func TestSchedulerIntervalAndReplace(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var first, second atomic.Int32
	err := s.Schedule("tick", ScheduleConfig{Type: ScheduleInterval, Seconds: 1}, func(context.Context) {
		first.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}

	// Replacing installs a new task and cancels the old loop.
	err = s.Schedule("tick", ScheduleConfig{Type: ScheduleInterval, Seconds: 1}, func(context.Context) {
		second.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(1500 * time.Millisecond)
	if first.Load() != 0 {
		t.Fatalf("replaced task still fired %d times", first.Load())
	}
	if second.Load() == 0 {
		t.Fatal("replacement task never fired")
	}

	if ids := s.TaskIDs(); len(ids) != 1 || ids[0] != "tick" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestSchedulerImmediateAndStop(t *testing.T) {
	s := NewScheduler()
	ran := make(chan struct{})
	err := s.Schedule("now", ScheduleConfig{Type: ScheduleImmediate}, func(context.Context) {
		close(ran)
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate task never ran")
	}
	s.Stop()
	if len(s.TaskIDs()) != 0 {
		t.Fatal("stop should clear tasks")
	}
}

func TestSchedulerRejectsBadConfigs(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.Schedule("x", ScheduleConfig{Type: ScheduleCron, Expression: "not a cron"}, func(context.Context) {}); err == nil {
		t.Fatal("bad cron should fail")
	}
	if err := s.Schedule("x", ScheduleConfig{Type: ScheduleOnce, At: "yesterday"}, func(context.Context) {}); err == nil {
		t.Fatal("bad instant should fail")
	}
	if err := s.Schedule("x", ScheduleConfig{Type: ScheduleInterval}, func(context.Context) {}); err == nil {
		t.Fatal("zero interval should fail")
	}
}

func TestJSONFileState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "tasks.json")
	s, err := NewJSONFileState(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.SaveState(ctx, "curator", []byte(`{"last_run":"2025-06-01"}`)); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadState(ctx, "curator")
	if err != nil || string(got) != `{"last_run":"2025-06-01"}` {
		t.Fatalf("got %s, err %v", got, err)
	}

	// State survives reopening the file.
	reopened, err := NewJSONFileState(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reopened.LoadState(ctx, "curator"); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearState(ctx, "curator"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadState(ctx, "curator"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("want NotFound after clear, got %v", err)
	}
}

// fakePlatform records posts.
type fakePlatform struct {
	posts []string
}

func (f *fakePlatform) Name() string { return "discord" }

func (f *fakePlatform) PostMessage(_ context.Context, channelID, content string) error {
	f.posts = append(f.posts, channelID+": "+content)
	return nil
}

func TestPostContentSkill(t *testing.T) {
	pipeline, err := security.NewPipeline(security.PipelineConfig{
		Permissions:   security.PermissionConfig{AllowAllByDefault: true},
		ContentFilter: security.DefaultContentFilterConfig(),
	}, approval.NewWorkflow())
	if err != nil {
		t.Fatal(err)
	}

	skill := NewPostContent(pipeline)
	platform := &fakePlatform{}
	sctx := &SkillContext{
		Knowledge: map[string][]map[string]any{
			"potential_posts": {
				{"content": "rejected draft", "review_status": "rejected"},
				{"content": "ship it", "review_status": "approved"},
			},
		},
		Config: SkillConfig{Params: map[string]any{
			"table":      "potential_posts",
			"channel_id": "123456789012345678",
		}},
		Platform: platform,
	}

	out, err := skill.Execute(context.Background(), sctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(platform.posts) != 1 || platform.posts[0] != "123456789012345678: ship it" {
		t.Fatalf("posts = %v", platform.posts)
	}
	if out.Summary != "posted 1 message" {
		t.Fatalf("out = %+v", out)
	}
}

func TestPostContentDeniedCommandNeverPosts(t *testing.T) {
	pipeline, err := security.NewPipeline(security.PipelineConfig{
		Permissions: security.PermissionConfig{
			AllowAllByDefault: true,
			DeniedCommands:    map[string]bool{"discord.msg.send": true},
		},
		ContentFilter: security.DefaultContentFilterConfig(),
	}, approval.NewWorkflow())
	if err != nil {
		t.Fatal(err)
	}

	skill := NewPostContent(pipeline)
	platform := &fakePlatform{}
	sctx := &SkillContext{
		Knowledge: map[string][]map[string]any{
			"posts": {{"content": "blocked", "review_status": "approved"}},
		},
		Config: SkillConfig{Params: map[string]any{
			"table":      "posts",
			"channel_id": "123456789012345678",
		}},
		Platform: platform,
	}

	_, err = skill.Execute(context.Background(), sctx)
	if !apperr.Is(err, apperr.KindPermissionDenied) {
		t.Fatalf("want PermissionDenied, got %v", err)
	}
	if len(platform.posts) != 0 {
		t.Fatal("denied command must not post")
	}
}
