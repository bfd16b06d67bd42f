// Package x12 parses EDI transaction sets (claims, remittance, prior
// authorization) into the canonical operational model. Payer-specific
// behavior comes from a configuration-driven lookup table, never from
// code.
package x12

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/PulsePipe/pulsepipe/internal/ingest"
	"github.com/PulsePipe/pulsepipe/internal/model"
)

// FormatTag is the configured tag that selects this parser.
const FormatTag = "x12"

// Supported transaction set identifiers.
const (
	TxnClaim         = "837"
	TxnRemittance    = "835"
	TxnAuthorization = "278"
)

// functionalGroups maps GS01 functional identifier codes to transaction
// set ids.
var functionalGroups = map[string]string{
	"HC": TxnClaim,
	"HP": TxnRemittance,
	"HS": TxnAuthorization,
}

// Options configures the parser for one pipeline.
type Options struct {
	Salt   string
	Payers *PayerTable
}

// Parser maps X12-style transactions into OperationalContent.
type Parser struct {
	salt   string
	payers *PayerTable
	log    *zap.Logger
}

// New constructs the EDI transaction parser. A nil payer table uses the
// global defaults for every payer.
func New(opts Options) *Parser {
	payers := opts.Payers
	if payers == nil {
		payers = DefaultPayerTable()
	}
	return &Parser{salt: opts.Salt, payers: payers, log: zap.L().Named("x12")}
}

func (p *Parser) Format() string { return FormatTag }

// segment is one tokenized EDI segment.
type segment struct {
	id    string
	elems []string
	index int
}

// elem returns the 1-based element, "" when absent.
func (s segment) elem(n int) string {
	if n < 1 || n > len(s.elems) {
		return ""
	}
	return strings.TrimSpace(s.elems[n-1])
}

func (s segment) location() string {
	return fmt.Sprintf("segment %d (%s)", s.index, s.id)
}

// Parse produces exactly one Outcome for the record. Financial totals that
// fail to balance against the documented control totals yield a
// ReconciliationWarning, recorded but non-fatal.
func (p *Parser) Parse(_ context.Context, rec ingest.RawRecord) ingest.Outcome {
	text := strings.TrimSpace(string(rec.Data))
	if text == "" {
		return ingest.Failure(ingest.StructuralError, rec.SourcePath, "empty X12 payload")
	}

	var segs []segment
	for i, raw := range strings.Split(text, "~") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		elems := strings.Split(raw, "*")
		segs = append(segs, segment{id: elems[0], elems: elems[1:], index: i})
	}
	if len(segs) == 0 {
		return ingest.Failure(ingest.StructuralError, rec.SourcePath, "no segments found")
	}
	if segs[0].id != "ISA" {
		return ingest.Failure(ingest.StructuralError, segs[0].location(),
			"interchange must begin with an ISA envelope")
	}

	content := &model.OperationalContent{}
	var txnControl string
	for _, s := range segs {
		switch s.id {
		case "ISA":
			content.InterchangeControlNumber = s.elem(13)
		case "GS":
			content.FunctionalGroupControlNumber = s.elem(6)
			content.OrganizationID = s.elem(2)
			if txn, ok := functionalGroups[s.elem(1)]; ok {
				content.TransactionType = txn
			}
		case "ST":
			if content.TransactionType == "" {
				content.TransactionType = s.elem(1)
			}
			if txnControl == "" {
				txnControl = s.elem(2)
			}
		}
	}

	switch content.TransactionType {
	case TxnClaim, TxnRemittance, TxnAuthorization:
	case "":
		return ingest.Failure(ingest.StructuralError, rec.SourcePath,
			"transaction set type could not be determined (missing GS/ST)")
	default:
		return ingest.Failure(ingest.StructuralError, rec.SourcePath,
			"unsupported transaction set %q", content.TransactionType)
	}

	st := &txnState{payers: p.payers, rule: p.payers.Defaults}
	for _, s := range segs {
		st.mapSegment(s, content)
	}
	st.finish(content)

	content.Currency = st.rule.Currency
	content.PayerID = st.payerID
	content.Correlation = model.CorrelationHash(p.salt,
		content.InterchangeControlNumber,
		content.FunctionalGroupControlNumber,
		txnControl)

	p.log.Debug("parsed transaction",
		zap.String("type", content.TransactionType),
		zap.Int("segments", len(segs)),
		zap.Int("claims", len(content.Claims)))

	return ingest.Outcome{Content: content, FieldIssues: st.issues, Warnings: st.warnings}
}
