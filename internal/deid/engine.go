// Package deid implements the Safe-Harbor de-identification engine. Each
// record moves through a per-record state machine: a deterministic rule
// scan over structured fields, an optional entity scan that delegates free
// text to an external recognizer, and a closing audit that holds any
// record still carrying an un-actioned identifier category.
package deid

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/PulsePipe/pulsepipe/internal/model"
)

// State names the steps of the per-record machine.
type State string

const (
	StateReceived   State = "received"
	StateRuleScan   State = "rule_scan"
	StateEntityScan State = "entity_scan"
	StateValidated  State = "validated"
	StateComplete   State = "complete"
	// StateHeld means the closing audit found residual identifiers and the
	// record must not be forwarded downstream.
	StateHeld State = "held"
)

// Action is what was done to an identified field.
type Action string

const (
	ActionRedacted    Action = "redacted"
	ActionGeneralized Action = "generalized"
	ActionHashed      Action = "hashed"
	ActionRetained    Action = "retained"
)

// ReportEntry is one transform record: path and category only, never the
// original value, so the report itself cannot leak identifiers.
type ReportEntry struct {
	Path     string   `json:"path"`
	Category Category `json:"category"`
	Action   Action   `json:"action"`
}

// Report accumulates the transforms applied to one record.
type Report struct {
	Entries []ReportEntry `json:"entries"`
}

func (r *Report) add(path string, cat Category, action Action) {
	r.Entries = append(r.Entries, ReportEntry{Path: path, Category: cat, Action: action})
}

// Count returns how many entries took the given action.
func (r *Report) Count(action Action) int {
	n := 0
	for _, e := range r.Entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

// Violation is a residual identifier found by the closing audit. The
// record carrying it is held, not forwarded.
type Violation struct {
	Path     string
	Category Category
}

func (v *Violation) Error() string {
	return fmt.Sprintf("safe-harbor violation: residual %s identifier at %s", v.Category, v.Path)
}

// Entity is one span an external recognizer found in free text.
type Entity struct {
	Start      int
	End        int
	Category   Category
	Confidence float64
}

// Recognizer detects identifier spans in free text. The engine ships no
// implementation; production deployments plug a NER service in here.
type Recognizer interface {
	Detect(ctx context.Context, text string) ([]Entity, error)
}

// Config is the Safe-Harbor policy for one pipeline.
type Config struct {
	Salt string `yaml:"salt" mapstructure:"salt"`

	// KeepYear keeps the four-digit year of generalized dates. When false
	// dates are removed entirely.
	KeepYear bool `yaml:"keep_year" mapstructure:"keep_year"`

	// GeographicPrecision is "state", "zip3", or "none".
	GeographicPrecision string `yaml:"geographic_precision" mapstructure:"geographic_precision"`

	// OverAgeThreshold flags ages at or past it (default 90) and removes
	// the birth year.
	OverAgeThreshold int `yaml:"over_age_threshold" mapstructure:"over_age_threshold"`

	// EnableEntityScan turns the recognizer pass on.
	EnableEntityScan bool `yaml:"enable_entity_scan" mapstructure:"enable_entity_scan"`

	// Retained maps categories deliberately kept to their justification.
	// A retained category does not trigger the closing audit.
	Retained map[Category]string `yaml:"retained" mapstructure:"retained"`
}

// Result is the outcome of de-identifying one record.
type Result struct {
	State      State
	Report     Report
	Violations []*Violation
}

// Held reports whether the record must be withheld from downstream stages.
func (r *Result) Held() bool { return r.State == StateHeld }

// Engine applies the Safe-Harbor policy to canonical content in place.
type Engine struct {
	cfg        Config
	recognizer Recognizer
	nowYear    func() int
	log        *zap.Logger
}

// New constructs the engine. The recognizer may be nil when the entity
// scan is disabled.
func New(cfg Config, recognizer Recognizer) (*Engine, error) {
	if cfg.Salt == "" {
		return nil, eris.New("deid: salt must be configured")
	}
	if cfg.OverAgeThreshold == 0 {
		cfg.OverAgeThreshold = 90
	}
	switch cfg.GeographicPrecision {
	case "":
		cfg.GeographicPrecision = "state"
	case "state", "zip3", "none":
	default:
		return nil, eris.Errorf("deid: unknown geographic precision %q", cfg.GeographicPrecision)
	}
	if cfg.EnableEntityScan && recognizer == nil {
		return nil, eris.New("deid: entity scan enabled but no recognizer provided")
	}
	return &Engine{
		cfg:        cfg,
		recognizer: recognizer,
		nowYear:    func() int { return time.Now().Year() },
		log:        zap.L().Named("deid"),
	}, nil
}

// Process runs the state machine over one record, mutating it in place.
// The returned error is reserved for recognizer transport failures; a
// policy violation is data on the Result.
func (e *Engine) Process(ctx context.Context, content model.Content) (*Result, error) {
	res := &Result{State: StateReceived}

	res.State = StateRuleScan
	switch c := content.(type) {
	case *model.ClinicalContent:
		e.ruleScanClinical(c, &res.Report)
	case *model.OperationalContent:
		e.ruleScanOperational(c, &res.Report)
	default:
		return nil, eris.Errorf("deid: unsupported content kind %q", content.Kind())
	}

	if e.cfg.EnableEntityScan {
		res.State = StateEntityScan
		if err := e.entityScan(ctx, content, &res.Report); err != nil {
			return nil, eris.Wrap(err, "deid: entity scan")
		}
	}

	res.State = StateValidated
	res.Violations = e.audit(content)
	if len(res.Violations) > 0 {
		res.State = StateHeld
		e.log.Warn("record held by closing audit",
			zap.String("record", content.CorrelationID()),
			zap.Int("violations", len(res.Violations)))
		return res, nil
	}

	e.markComplete(content)
	res.State = StateComplete
	return res, nil
}

func (e *Engine) markComplete(content model.Content) {
	switch c := content.(type) {
	case *model.ClinicalContent:
		c.Deidentified = true
	case *model.OperationalContent:
		c.Deidentified = true
	}
}

// retained reports whether the category was configured as deliberately
// kept.
func (e *Engine) retained(cat Category) bool {
	_, ok := e.cfg.Retained[cat]
	return ok
}

// pseudonym replaces a direct identifier with its deterministic salted
// hash. Idempotent: an existing pseudonym passes through unchanged.
func (e *Engine) pseudonym(value string) string {
	return model.Pseudonym(e.cfg.Salt, value)
}
