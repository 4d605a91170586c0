package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nexusnarrative/narrator/internal/extract"
	"github.com/nexusnarrative/narrator/internal/storage"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// StorageCaller is the slice of the storage actor the processor needs.
type StorageCaller interface {
	Call(ctx context.Context, msg any) error
}

// ContentGeneration extracts JSON from the final act of a narrative and
// persists it into a content table named by the narrative's target,
// template or name, in that order of preference.
type ContentGeneration struct {
	actor  StorageCaller
	file   string
	target string
}

// NewContentGeneration builds the bundled content-generation processor.
// file is the narrative's source path, recorded on the tracking row.
func NewContentGeneration(actor StorageCaller, file string) *ContentGeneration {
	return &ContentGeneration{actor: actor, file: file}
}

// WithTarget forces every extraction into one table, overriding the
// narrative's own target/template/name preference.
func (p *ContentGeneration) WithTarget(table string) *ContentGeneration {
	p.target = table
	return p
}

// Name identifies the processor.
func (p *ContentGeneration) Name() string { return "content_generation" }

// ShouldProcess runs only on the last act of narratives that have not
// opted out.
func (p *ContentGeneration) ShouldProcess(pctx *Context) bool {
	return pctx.IsLastAct && !pctx.Metadata.SkipContentGeneration
}

// Process extracts the act's JSON payload, ensures the target table
// exists and inserts every item, tracking the run around the work.
func (p *ContentGeneration) Process(ctx context.Context, pctx *Context) error {
	table := p.targetTable(pctx)
	started := time.Now()
	file := p.file
	if file == "" {
		file = pctx.NarrativeFile
	}

	if err := p.actor.Call(ctx, storage.StartGeneration{
		TableName:     table,
		NarrativeFile: file,
		NarrativeName: pctx.NarrativeName,
	}); err != nil {
		return err
	}

	inserted, err := p.generate(ctx, pctx, table)

	status := models.GenerationSuccess
	errMsg := ""
	if err != nil {
		status = models.GenerationFailed
		errMsg = err.Error()
	}
	complete := storage.CompleteGeneration{
		TableName:      table,
		DurationMillis: time.Since(started).Milliseconds(),
		Status:         status,
		ErrorMessage:   errMsg,
	}
	if err == nil {
		complete.RowCount = &inserted
	}
	if cErr := p.actor.Call(ctx, complete); cErr != nil && err == nil {
		return cErr
	}
	return err
}

func (p *ContentGeneration) generate(ctx context.Context, pctx *Context, table string) (int, error) {
	raw, err := extract.JSON(pctx.Act.Response)
	if err != nil {
		return 0, err
	}
	payload, err := extract.Parse[any](raw)
	if err != nil {
		return 0, err
	}

	var items []map[string]any
	switch v := payload.(type) {
	case []any:
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return 0, fmt.Errorf("array item %d is not an object", i)
			}
			items = append(items, obj)
		}
	case map[string]any:
		items = append(items, v)
	default:
		return 0, fmt.Errorf("extracted JSON is neither object nor array")
	}
	if len(items) == 0 {
		return 0, fmt.Errorf("extracted JSON carried no items")
	}

	if pctx.Metadata.Template != "" {
		err = p.actor.Call(ctx, storage.CreateTableFromTemplate{
			Name:      table,
			Template:  pctx.Metadata.Template,
			Narrative: pctx.NarrativeName,
		})
	} else {
		err = p.actor.Call(ctx, storage.CreateTableFromInference{
			Name:       table,
			JSONSample: items[0],
			Narrative:  pctx.NarrativeName,
		})
	}
	if err != nil {
		return 0, err
	}

	model := ""
	if pctx.Act.Model != nil {
		model = *pctx.Act.Model
	}
	inserted := 0
	for _, item := range items {
		if err := p.actor.Call(ctx, storage.InsertContent{
			Table:     table,
			JSONData:  item,
			Narrative: pctx.NarrativeName,
			Act:       pctx.Act.ActName,
			Model:     model,
		}); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

func (p *ContentGeneration) targetTable(pctx *Context) string {
	if p.target != "" {
		return p.target
	}
	if pctx.Metadata.Target != "" {
		return pctx.Metadata.Target
	}
	if pctx.Metadata.Template != "" {
		return pctx.Metadata.Template
	}
	return sanitizeTableName(pctx.NarrativeName)
}

// sanitizeTableName coerces a narrative name into a legal SQL identifier.
func sanitizeTableName(name string) string {
	out := []rune(strings.ToLower(name))
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			out[i] = '_'
		}
	}
	if len(out) == 0 || (out[0] >= '0' && out[0] <= '9') {
		out = append([]rune{'t', '_'}, out...)
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return string(out)
}
