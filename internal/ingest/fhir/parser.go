// Package fhir parses resource bundles (JSON or XML) into the canonical
// clinical model. Bundles are indexed in a first pass so references,
// including forward references and inline contained resources, resolve in
// the mapping pass.
package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PulsePipe/pulsepipe/internal/ingest"
	"github.com/PulsePipe/pulsepipe/internal/model"
)

// FormatTag is the configured tag that selects this parser.
const FormatTag = "fhir"

// DefaultMaxDepth caps reference-chain resolution. Chains past the cap,
// including cycles, are cut off with a warning rather than followed.
const DefaultMaxDepth = 5

// Options configures the parser for one pipeline.
type Options struct {
	Salt     string
	MaxDepth int
	Now      func() time.Time // age computation; nil uses time.Now
}

// Parser maps resource bundles into ClinicalContent.
type Parser struct {
	salt     string
	maxDepth int
	now      func() time.Time
	log      *zap.Logger
}

// New constructs the bundle parser.
func New(opts Options) *Parser {
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Parser{salt: opts.Salt, maxDepth: depth, now: now, log: zap.L().Named("fhir")}
}

func (p *Parser) Format() string { return FormatTag }

// bundleIndex resolves reference strings to decoded resources. Entries are
// keyed by fullUrl and by "Type/id"; contained resources are resolved
// relative to their container.
type bundleIndex struct {
	byKey    map[string]resource
	maxDepth int
	warnings []ingest.FieldIssue
}

func newBundleIndex(maxDepth int) *bundleIndex {
	return &bundleIndex{byKey: map[string]resource{}, maxDepth: maxDepth}
}

func (ix *bundleIndex) add(fullURL string, res resource) {
	if res == nil {
		return
	}
	if fullURL != "" {
		ix.byKey[fullURL] = res
	}
	if rtype, rid := res.str("resourceType"), res.str("id"); rtype != "" && rid != "" {
		ix.byKey[rtype+"/"+rid] = res
	}
}

// resolve looks up a reference string. Local "#id" references search the
// holder's contained list. Returns nil when the target is not in the
// bundle.
func (ix *bundleIndex) resolve(ref string, holder resource) resource {
	if ref == "" {
		return nil
	}
	if strings.HasPrefix(ref, "#") {
		want := ref[1:]
		for _, c := range holder.list("contained") {
			if c.str("id") == want {
				return c
			}
		}
		return nil
	}
	if res, ok := ix.byKey[ref]; ok {
		return res
	}
	// Absolute URLs still end in Type/id.
	parts := strings.Split(ref, "/")
	if len(parts) >= 2 {
		if res, ok := ix.byKey[parts[len(parts)-2]+"/"+parts[len(parts)-1]]; ok {
			return res
		}
	}
	return nil
}

// cycleWarning records a reference chain cut off at the depth cap or on a
// revisit. The back-reference stays unresolved; parsing continues.
func (ix *bundleIndex) cycleWarning(path, ref string) {
	ix.warnings = append(ix.warnings, ingest.FieldIssue{
		Kind:     ingest.ReferenceCycleWarning,
		Path:     path,
		Detail:   fmt.Sprintf("reference chain through %q not fully resolved (cycle or depth cap)", ref),
		Location: ref,
	})
}

// Parse produces exactly one Outcome for the record. A bundle where no
// entry could be mapped is a structural failure; individual entries that
// fail to map surface as field issues on a partial record.
func (p *Parser) Parse(_ context.Context, rec ingest.RawRecord) ingest.Outcome {
	data := []byte(strings.TrimSpace(string(rec.Data)))
	if len(data) == 0 {
		return ingest.Failure(ingest.StructuralError, rec.SourcePath, "empty payload")
	}

	var root resource
	var err error
	if data[0] == '<' {
		root, err = parseXML(data)
	} else {
		err = json.Unmarshal(data, &root)
	}
	if err != nil {
		return ingest.Failure(ingest.StructuralError, rec.SourcePath,
			"payload is neither valid JSON nor valid XML: %v", err)
	}
	rtype := root.str("resourceType")
	if rtype == "" {
		return ingest.Failure(ingest.StructuralError, rec.SourcePath,
			"missing resourceType, not a valid resource")
	}

	ix := newBundleIndex(p.maxDepth)
	st := &mapState{index: ix, now: p.now}
	content := &model.ClinicalContent{}

	if rtype == "Bundle" {
		entries := root.list("entry")
		// First pass: index every entry and cache the anchor ids.
		for _, e := range entries {
			res := e.child("resource")
			ix.add(e.str("fullUrl"), res)
			st.cacheAnchors(res)
		}
		mapped := 0
		for i, e := range entries {
			res := e.child("resource")
			if res == nil {
				continue
			}
			if st.mapResource(res, content) {
				mapped++
			} else {
				p.log.Debug("no mapper for resource type",
					zap.String("type", res.str("resourceType")), zap.Int("entry", i))
			}
		}
		if mapped == 0 {
			return ingest.Failure(ingest.StructuralError, rec.SourcePath,
				"no mappable entries in bundle of %d", len(entries))
		}
	} else {
		st.cacheAnchors(root)
		if !st.mapResource(root, content) {
			return ingest.Failure(ingest.StructuralError, rec.SourcePath,
				"unsupported resource type %q", rtype)
		}
	}

	content.Correlation = model.CorrelationHash(p.salt, rtype, root.str("id"), st.patientID)

	p.log.Debug("parsed bundle",
		zap.String("root", rtype),
		zap.String("summary", content.Summary()))

	return ingest.Outcome{Content: content, FieldIssues: st.issues, Warnings: ix.warnings}
}
