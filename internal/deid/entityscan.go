package deid

import (
	"context"
	"sort"
	"strconv"

	"github.com/PulsePipe/pulsepipe/internal/model"
)

// entityScan delegates the free-text fields of a record to the external
// recognizer and applies the returned spans as redaction markers.
func (e *Engine) entityScan(ctx context.Context, content model.Content, report *Report) error {
	c, ok := content.(*model.ClinicalContent)
	if !ok {
		return nil // operational records carry no free text
	}
	for i := range c.Notes {
		if err := e.redactSpans(ctx, &c.Notes[i].Text,
			"notes."+strconv.Itoa(i)+".text", report); err != nil {
			return err
		}
	}
	for i := range c.Labs {
		if err := e.redactSpans(ctx, &c.Labs[i].Narrative,
			"labs."+strconv.Itoa(i)+".narrative", report); err != nil {
			return err
		}
	}
	for i := range c.Imaging {
		if err := e.redactSpans(ctx, &c.Imaging[i].Narrative,
			"imaging."+strconv.Itoa(i)+".narrative", report); err != nil {
			return err
		}
	}
	return nil
}

// redactSpans replaces each detected span with its category marker. Spans
// are applied back to front so earlier offsets stay valid, and overlapping
// spans collapse into the first marker.
func (e *Engine) redactSpans(ctx context.Context, text *string, path string, report *Report) error {
	if *text == "" {
		return nil
	}
	entities, err := e.recognizer.Detect(ctx, *text)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}

	sort.Slice(entities, func(i, j int) bool { return entities[i].Start > entities[j].Start })

	out := *text
	lastStart := len(out) + 1
	for _, ent := range entities {
		if ent.Start < 0 || ent.End > len(out) || ent.Start >= ent.End || ent.End > lastStart {
			continue
		}
		if e.retained(ent.Category) {
			report.add(path, ent.Category, ActionRetained)
			continue
		}
		out = out[:ent.Start] + Marker(ent.Category) + out[ent.End:]
		lastStart = ent.Start
		report.add(path, ent.Category, ActionRedacted)
	}
	*text = out
	return nil
}
