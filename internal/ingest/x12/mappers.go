package x12

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/PulsePipe/pulsepipe/internal/ingest"
	"github.com/PulsePipe/pulsepipe/internal/model"
)

// claimStatusCodes maps CLP02 claim status codes to canonical statuses.
var claimStatusCodes = map[string]model.ClaimStatus{
	"1":  model.ClaimAccepted,
	"2":  model.ClaimDenied,
	"3":  model.ClaimAdjusted,
	"4":  model.ClaimPaid,
	"19": model.ClaimPaid, // processed as primary, forwarded
	"22": model.ClaimAdjusted,
}

// hcrDecisions maps HCR01 action codes to authorization decisions.
var hcrDecisions = map[string]string{
	"A1": "approved",
	"A3": "denied",
	"A4": "pended",
	"A6": "modified",
}

// txnState carries hierarchical context while segments are mapped: the
// payer rule in force, the claim a service line belongs to, and running
// control totals for balancing.
type txnState struct {
	payers *PayerTable
	rule   PayerRule

	payerID      string
	patientID    string
	lastClaimID  string
	lastChargeID string
	currentAuth  *model.PriorAuthorization

	// bpr is held until finish: it precedes the payer loop in an 835, so
	// its implied-decimal total must be parsed under the final payer rule.
	bpr       *segment
	paidTotal decimal.Decimal // running sum of CLP04

	issues   []ingest.FieldIssue
	warnings []ingest.FieldIssue
}

func (st *txnState) issue(s segment, path, format string, args ...any) {
	st.issues = append(st.issues, ingest.FieldIssue{
		Kind:     ingest.FieldValueError,
		Path:     path,
		Detail:   fmt.Sprintf(format, args...),
		Location: s.location(),
	})
}

func (st *txnState) amount(s segment, path string, n int) decimal.Decimal {
	v, err := parseAmount(s.elem(n), st.rule.DecimalPrecision)
	if err != nil {
		st.issue(s, path, "malformed monetary value %q", s.elem(n))
		return decimal.Zero
	}
	return v
}

func (st *txnState) mapSegment(s segment, content *model.OperationalContent) {
	switch s.id {
	case "NM1", "N1":
		st.mapParty(s)
	case "BPR":
		st.bpr = &s
	case "CLP":
		st.mapCLP(s, content)
	case "CLM":
		st.mapCLM(s, content)
	case "SVC", "SV1":
		st.mapService(s, content)
	case "CAS":
		st.mapCAS(s, content)
	case "PLB":
		st.mapPLB(s, content)
	case "UM":
		st.mapUM(s, content)
	case "HCR":
		st.mapHCR(s)
	case "REF":
		st.mapREF(s)
	}
}

// mapParty handles NM1 and N1 party identification. PR is the payer and
// its identifier selects the payer rule for everything that follows.
// QC/IL identify the patient or insured.
func (st *txnState) mapParty(s segment) {
	id := s.elem(9)
	if s.id == "N1" {
		id = s.elem(4)
	}
	switch s.elem(1) {
	case "PR":
		st.payerID = id
		st.rule = st.payers.Lookup(st.payerID)
	case "QC", "IL":
		st.patientID = id
	}
}

// CLP is an 835 claim-payment line.
func (st *txnState) mapCLP(s segment, content *model.OperationalContent) {
	claim := model.Claim{
		ClaimID:      s.elem(1),
		PatientID:    st.patientID,
		PayerID:      st.payerID,
		TotalCharged: st.amount(s, "claims.total_charged", 3),
		TotalPaid:    st.amount(s, "claims.total_paid", 4),
	}
	if liability := s.elem(5); liability != "" {
		claim.PatientLiability = st.amount(s, "claims.patient_liability", 5)
	}
	status, ok := claimStatusCodes[s.elem(2)]
	if !ok {
		status = model.ClaimSubmitted
	}
	claim.Status = status

	st.paidTotal = st.paidTotal.Add(claim.TotalPaid)
	st.lastClaimID = claim.ClaimID
	content.Claims = append(content.Claims, claim)
}

// CLM is an 837 claim submission.
func (st *txnState) mapCLM(s segment, content *model.OperationalContent) {
	claim := model.Claim{
		ClaimID:      s.elem(1),
		PatientID:    st.patientID,
		PayerID:      st.payerID,
		TotalCharged: st.amount(s, "claims.total_charged", 2),
		Status:       model.ClaimSubmitted,
	}
	st.lastClaimID = claim.ClaimID
	content.Claims = append(content.Claims, claim)
}

// SVC (835) and SV1 (837) are service lines under the current claim.
func (st *txnState) mapService(s segment, content *model.OperationalContent) {
	charge := model.Charge{
		ChargeID:   fmt.Sprintf("%s-svc-%d", st.lastClaimID, len(content.Charges)+1),
		PatientID:  st.patientID,
		ChargeCode: s.elem(1),
		Amount:     st.amount(s, "charges.amount", 2),
		Status:     "posted",
	}
	if qty := s.elem(4); qty != "" {
		n, err := strconv.Atoi(qty)
		if err != nil {
			st.issue(s, "charges.quantity", "malformed service quantity %q", qty)
		} else {
			charge.Quantity = n
		}
	}
	st.lastChargeID = charge.ChargeID
	content.Charges = append(content.Charges, charge)
}

// CAS carries claim adjustments as (group, reason, amount) triplets,
// repeating within one segment.
func (st *txnState) mapCAS(s segment, content *model.OperationalContent) {
	group := s.elem(1)
	if !st.rule.RecognizesGroup(group) {
		st.issue(s, "adjustments.group_code",
			"adjustment group %q not recognized for payer %s", group, st.payerID)
	}
	for i := 2; i+1 <= len(s.elems); i += 3 {
		reason := s.elem(i)
		if reason == "" {
			break
		}
		amount := st.amount(s, "adjustments.amount", i+1)
		if amount.IsNegative() && !st.rule.AllowNegativeAdjustments {
			st.issue(s, "adjustments.amount",
				"negative adjustment %s not permitted for payer %s", amount.String(), st.payerID)
		}
		adj := model.Adjustment{
			AdjustmentID: fmt.Sprintf("%s-adj-%d", st.lastClaimID, len(content.Adjustments)+1),
			ClaimID:      st.lastClaimID,
			ChargeID:     st.lastChargeID,
			GroupCode:    group,
			ReasonCode:   reason,
			ReasonNote:   st.rule.RemittanceNote,
			Amount:       amount,
		}
		content.Adjustments = append(content.Adjustments, adj)
	}
}

// PLB is a provider-level adjustment, captured as a charge so the money
// stays visible.
func (st *txnState) mapPLB(s segment, content *model.OperationalContent) {
	charge := model.Charge{
		ChargeID:   fmt.Sprintf("plb-%d", len(content.Charges)+1),
		ChargeCode: s.elem(1),
		Amount:     st.amount(s, "charges.amount", 4),
		Status:     "adjusted",
	}
	content.Charges = append(content.Charges, charge)
}

// UM opens a 278 services-review request.
func (st *txnState) mapUM(s segment, content *model.OperationalContent) {
	st.flushAuth(content)
	st.currentAuth = &model.PriorAuthorization{
		AuthorizationID: fmt.Sprintf("auth-%d", len(content.PriorAuthorizations)+1),
		PatientID:       st.patientID,
		ServiceCode:     s.elem(3),
	}
}

// HCR carries the 278 review decision.
func (st *txnState) mapHCR(s segment) {
	if st.currentAuth == nil {
		return
	}
	decision, ok := hcrDecisions[s.elem(1)]
	if !ok {
		decision = "pended"
	}
	st.currentAuth.Decision = decision
	if ref := s.elem(2); ref != "" {
		st.currentAuth.AuthorizationID = ref
	}
}

// REF within a 278 supplies the certification number.
func (st *txnState) mapREF(s segment) {
	if st.currentAuth != nil && s.elem(1) == "BB" {
		st.currentAuth.AuthorizationID = s.elem(2)
	}
}

func (st *txnState) flushAuth(content *model.OperationalContent) {
	if st.currentAuth != nil {
		content.PriorAuthorizations = append(content.PriorAuthorizations, *st.currentAuth)
		st.currentAuth = nil
	}
}

// finish closes any open loop, records the remittance payment, and
// balances the summed claim payments against the documented BPR02 control
// total under the final payer rule.
func (st *txnState) finish(content *model.OperationalContent) {
	st.flushAuth(content)

	if st.bpr == nil {
		return
	}
	total := st.amount(*st.bpr, "payments.amount", 2)
	content.Payments = append(content.Payments, model.Payment{
		PaymentID: fmt.Sprintf("pay-%s-%d", content.InterchangeControlNumber, len(content.Payments)+1),
		PayerID:   st.payerID,
		Amount:    total,
		Method:    st.bpr.elem(4),
		Currency:  st.rule.Currency,
	})

	// Balance at the payer's documented precision; sub-cent residue from
	// explicit-decimal amounts is not a discrepancy.
	prec := int32(st.rule.DecimalPrecision)
	if !total.Round(prec).Equal(st.paidTotal.Round(prec)) {
		st.warnings = append(st.warnings, ingest.FieldIssue{
			Kind: ingest.ReconciliationWarning,
			Path: "payments.amount",
			Detail: fmt.Sprintf("claim payments sum to %s but control total documents %s",
				st.paidTotal.StringFixed(prec), total.StringFixed(prec)),
			Location: st.bpr.location(),
		})
	}
}
