// Package narrative loads narrative definitions from TOML files and
// executes them act by act against an LLM driver, threading conversation
// history, per-act overrides, carousels and narrative-in-narrative
// composition.
package narrative

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/pkg/models"
)

type inputBlock struct {
	Type    string `toml:"type"`
	Content string `toml:"content"`
	URL     string `toml:"url"`
	Base64  string `toml:"base64"`
	MIME    string `toml:"mime"`
}

type carouselBlock struct {
	Iterations  uint32  `toml:"iterations"`
	BudgetRatio float64 `toml:"budget_ratio"`
}

type actBlock struct {
	Model        string         `toml:"model"`
	Temperature  *float32       `toml:"temperature"`
	MaxTokens    *int           `toml:"max_tokens"`
	NarrativeRef string         `toml:"narrative_ref"`
	Carousel     *carouselBlock `toml:"carousel"`
	Input        []inputBlock   `toml:"input"`
}

type narrativeBlock struct {
	Name                  string         `toml:"name"`
	Description           string         `toml:"description"`
	Template              string         `toml:"template"`
	Target                string         `toml:"target"`
	SkipContentGeneration bool           `toml:"skip_content_generation"`
	Order                 []string       `toml:"order"`
	Carousel              *carouselBlock `toml:"carousel"`
}

type tocBlock struct {
	Order []string `toml:"order"`
}

type fileBlock struct {
	Narrative  *narrativeBlock           `toml:"narrative"`
	TOC        *tocBlock                 `toml:"toc"`
	Narratives map[string]narrativeBlock `toml:"narratives"`
	Acts       map[string]actBlock       `toml:"acts"`
	Carousel   *carouselBlock            `toml:"carousel"`
}

// File is a parsed narrative file: one narrative, or several sharing an
// act namespace.
type File struct {
	path  string
	block fileBlock
}

// LoadFile parses a narrative TOML file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "narrative.load", err, map[string]any{"path": path})
	}
	return ParseFile(path, data)
}

// ParseFile parses narrative TOML from memory. path is recorded for
// resolving nested references.
func ParseFile(path string, data []byte) (*File, error) {
	var block fileBlock
	if err := toml.Unmarshal(data, &block); err != nil {
		return nil, apperr.New(apperr.KindConfig, "narrative.parse", err, map[string]any{"path": path})
	}
	if block.Narrative == nil && len(block.Narratives) == 0 {
		return nil, apperr.New(apperr.KindConfig, "narrative.parse", fmt.Errorf("no [narrative] or [narratives.*] section"), map[string]any{"path": path})
	}
	return &File{path: path, block: block}, nil
}

// Names lists the narratives the file defines, sorted.
func (f *File) Names() []string {
	if f.block.Narrative != nil {
		return []string{f.block.Narrative.Name}
	}
	names := make([]string, 0, len(f.block.Narratives))
	for name := range f.block.Narratives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsMulti reports whether the file holds more than one narrative.
func (f *File) IsMulti() bool { return f.block.Narrative == nil }

// Select resolves one narrative by name. For a single-narrative file an
// empty name selects it; a multi-narrative file requires a name and an
// empty one fails listing the candidates.
func (f *File) Select(name string) (*models.Narrative, error) {
	if f.block.Narrative != nil {
		if name != "" && name != f.block.Narrative.Name {
			return nil, apperr.NotFound("narrative.select", "narrative", name)
		}
		order := f.block.Narrative.Order
		if f.block.TOC != nil {
			order = f.block.TOC.Order
		}
		return f.build(*f.block.Narrative, order)
	}

	if name == "" {
		return nil, apperr.New(apperr.KindConfig, "narrative.select",
			fmt.Errorf("file defines several narratives, pick one of: %s", strings.Join(f.Names(), ", ")),
			map[string]any{"candidates": f.Names()})
	}
	block, ok := f.block.Narratives[name]
	if !ok {
		return nil, apperr.NotFound("narrative.select", "narrative", name)
	}
	if block.Name == "" {
		block.Name = name
	}
	return f.build(block, block.Order)
}

func (f *File) build(block narrativeBlock, order []string) (*models.Narrative, error) {
	acts := make(map[string]models.ActConfig, len(f.block.Acts))
	for name, ab := range f.block.Acts {
		cfg, err := convertAct(name, ab)
		if err != nil {
			return nil, err
		}
		acts[name] = cfg
	}

	carousel := block.Carousel
	if carousel == nil {
		carousel = f.block.Carousel
	}

	n := &models.Narrative{
		Metadata: models.NarrativeMetadata{
			Name:                  block.Name,
			Description:           block.Description,
			Template:              block.Template,
			Target:                block.Target,
			SkipContentGeneration: block.SkipContentGeneration,
		},
		TOCOrder:   order,
		Acts:       acts,
		SourcePath: f.path,
	}
	if carousel != nil {
		n.Carousel = &models.Carousel{Iterations: carousel.Iterations, BudgetRatio: carousel.BudgetRatio}
	}
	if err := n.Validate(); err != nil {
		return nil, apperr.New(apperr.KindValidation, "narrative.select", err, map[string]any{"narrative": block.Name})
	}
	return n, nil
}

func convertAct(name string, ab actBlock) (models.ActConfig, error) {
	cfg := models.ActConfig{
		NarrativeRef: ab.NarrativeRef,
		Temperature:  ab.Temperature,
		MaxTokens:    ab.MaxTokens,
	}
	if ab.Model != "" {
		model := ab.Model
		cfg.Model = &model
	}
	if ab.Carousel != nil {
		cfg.Carousel = &models.Carousel{Iterations: ab.Carousel.Iterations, BudgetRatio: ab.Carousel.BudgetRatio}
	}
	for _, in := range ab.Input {
		converted, err := convertInput(name, in)
		if err != nil {
			return models.ActConfig{}, err
		}
		cfg.Inputs = append(cfg.Inputs, converted)
	}
	return cfg, nil
}

func convertInput(act string, in inputBlock) (models.Input, error) {
	kind := models.InputKind(strings.ToLower(in.Type))
	if in.Type == "" {
		kind = models.InputText
	}
	switch kind {
	case models.InputText:
		return models.TextInput(in.Content), nil
	case models.InputImage, models.InputAudio, models.InputVideo, models.InputDocument:
		if in.URL == "" && in.Base64 == "" {
			return models.Input{}, apperr.Validation("narrative.parse", "input",
				fmt.Sprintf("act %q: %s input needs url or base64", act, kind))
		}
		return models.Input{
			Kind:   kind,
			MIME:   in.MIME,
			Source: models.InputSource{URL: in.URL, Base64: in.Base64},
		}, nil
	default:
		return models.Input{}, apperr.Validation("narrative.parse", "input",
			fmt.Sprintf("act %q: unknown input type %q", act, in.Type))
	}
}

// Resolver turns a narrative_ref into a narrative. References resolve
// inside the same file first (multi-narrative composition), then as a
// path relative to the referencing narrative's source file.
type Resolver struct {
	file *File
}

// NewResolver builds a resolver rooted at the given file.
func NewResolver(file *File) *Resolver { return &Resolver{file: file} }

// Resolve looks up ref for a narrative loaded from sourcePath.
func (r *Resolver) Resolve(ref, sourcePath string) (*models.Narrative, error) {
	if r.file != nil {
		if n, err := r.file.Select(ref); err == nil {
			return n, nil
		}
	}

	path := ref
	if !strings.HasSuffix(path, ".toml") {
		path += ".toml"
	}
	if !filepath.IsAbs(path) && sourcePath != "" {
		path = filepath.Join(filepath.Dir(sourcePath), path)
	}
	file, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return file.Select("")
}
