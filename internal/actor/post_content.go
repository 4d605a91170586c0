package actor

import (
	"context"
	"fmt"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/internal/security"
)

// PostContent is the bundled skill that picks an approved row from a
// knowledge table and posts its content to the actor's platform, gated
// by the security pipeline.
type PostContent struct {
	pipeline *security.Pipeline
}

// NewPostContent builds the skill over a shared security pipeline.
func NewPostContent(pipeline *security.Pipeline) *PostContent {
	return &PostContent{pipeline: pipeline}
}

// Name identifies the skill in actor configs.
func (s *PostContent) Name() string { return "post_content" }

// Execute posts the first approved knowledge row's content field.
func (s *PostContent) Execute(ctx context.Context, sctx *SkillContext) (*Output, error) {
	table, _ := sctx.Config.Params["table"].(string)
	channelID, _ := sctx.Config.Params["channel_id"].(string)
	field, _ := sctx.Config.Params["content_field"].(string)
	if field == "" {
		field = "content"
	}
	if table == "" || channelID == "" {
		return nil, apperr.Validation("skill.post_content", "params", "table and channel_id are required")
	}
	if sctx.Platform == nil {
		return nil, apperr.New(apperr.KindConfig, "skill.post_content", nil, map[string]any{
			"reason": "actor has no platform configured",
		})
	}

	row, ok := pickApproved(sctx.Knowledge[table], field)
	if !ok {
		return &Output{
			Skill:   s.Name(),
			Summary: fmt.Sprintf("no approved rows with %q in %s", field, table),
		}, nil
	}
	content := fmt.Sprint(row[field])

	params := map[string]string{
		"channel_id": channelID,
		"content":    content,
	}
	command := sctx.Platform.Name() + ".msg.send"
	actionID, err := s.pipeline.Execute(ctx, "actor", command, params, func(ctx context.Context) error {
		return sctx.Platform.PostMessage(ctx, channelID, content)
	})
	if err != nil {
		return nil, err
	}
	if actionID != nil {
		return &Output{
			Skill:   s.Name(),
			Summary: "post parked for approval",
			Data:    map[string]any{"action_id": *actionID},
		}, nil
	}
	return &Output{
		Skill:   s.Name(),
		Summary: "posted 1 message",
		Data:    map[string]any{"table": table, "channel_id": channelID},
	}, nil
}

// pickApproved returns the first row whose review_status is approved (or
// any row when the table carries no review column) with a non-empty
// content field.
func pickApproved(rows []map[string]any, field string) (map[string]any, bool) {
	for _, row := range rows {
		if status, ok := row["review_status"]; ok {
			if fmt.Sprint(status) != "approved" {
				continue
			}
		}
		if v, ok := row[field]; ok && fmt.Sprint(v) != "" {
			return row, true
		}
	}
	return nil, false
}
