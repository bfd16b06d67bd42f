package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ClaimStatus enumerates the adjudication states of a claim.
type ClaimStatus string

const (
	ClaimSubmitted ClaimStatus = "submitted"
	ClaimAccepted  ClaimStatus = "accepted"
	ClaimDenied    ClaimStatus = "denied"
	ClaimAdjusted  ClaimStatus = "adjusted"
	ClaimPaid      ClaimStatus = "paid"
)

// Charge is a billable service or item.
type Charge struct {
	ChargeID    string          `json:"charge_id"`
	PatientID   string          `json:"patient_id,omitempty"`
	EncounterID string          `json:"encounter_id,omitempty"`
	ServiceDate string          `json:"service_date,omitempty"`
	ChargeCode  string          `json:"charge_code"`
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Quantity    int             `json:"quantity,omitempty"`
	RevenueCode string          `json:"revenue_code,omitempty"`
	ProviderID  string          `json:"provider_id,omitempty"`
	Status      string          `json:"status,omitempty"` // posted, adjusted, voided
}

// Payment is a remittance applied against a claim or charge.
type Payment struct {
	PaymentID   string          `json:"payment_id"`
	PatientID   string          `json:"patient_id,omitempty"`
	ClaimID     string          `json:"claim_id,omitempty"`
	PayerID     string          `json:"payer_id,omitempty"`
	PaymentDate string          `json:"payment_date,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method,omitempty"` // check, ACH
	CheckNumber string          `json:"check_number,omitempty"`
	Currency    string          `json:"currency,omitempty"`
}

// Adjustment modifies a charge balance without being a payment.
type Adjustment struct {
	AdjustmentID string          `json:"adjustment_id"`
	ClaimID      string          `json:"claim_id,omitempty"`
	ChargeID     string          `json:"charge_id,omitempty"`
	GroupCode    string          `json:"group_code,omitempty"`  // CO, PR, OA, PI
	ReasonCode   string          `json:"reason_code,omitempty"` // CARC
	ReasonNote   string          `json:"reason_note,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
}

// Claim is a request for payment bundling charges for one patient.
type Claim struct {
	ClaimID          string          `json:"claim_id"`
	PatientID        string          `json:"patient_id,omitempty"`
	EncounterID      string          `json:"encounter_id,omitempty"`
	PayerID          string          `json:"payer_id,omitempty"`
	TotalCharged     decimal.Decimal `json:"total_charged"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	PatientLiability decimal.Decimal `json:"patient_liability"`
	Status           ClaimStatus     `json:"status,omitempty"`
	ClaimType        string          `json:"claim_type,omitempty"` // professional, institutional, dental
	ServiceStart     string          `json:"service_start,omitempty"`
	ServiceEnd       string          `json:"service_end,omitempty"`
}

// PriorAuthorization is a payer services-review decision (278).
type PriorAuthorization struct {
	AuthorizationID string `json:"authorization_id"`
	PatientID       string `json:"patient_id,omitempty"`
	ServiceCode     string `json:"service_code,omitempty"`
	RequestedUnits  int    `json:"requested_units,omitempty"`
	CertifiedUnits  int    `json:"certified_units,omitempty"`
	Decision        string `json:"decision,omitempty"` // approved, denied, pended
	EffectiveDate   string `json:"effective_date,omitempty"`
	ExpirationDate  string `json:"expiration_date,omitempty"`
}

// DRG carries a diagnosis-related-group assignment.
type DRG struct {
	Code          string          `json:"code"`
	Description   string          `json:"description,omitempty"`
	Weight        float64         `json:"weight,omitempty"`
	PaymentAmount decimal.Decimal `json:"payment_amount"`
}

// OperationalContent is the canonical administrative/financial schema, fed
// by EDI transaction sets (837 claims, 835 remittance, 278 authorization).
type OperationalContent struct {
	Correlation string `json:"correlation_id,omitempty"`

	TransactionType              string `json:"transaction_type,omitempty"`
	InterchangeControlNumber     string `json:"interchange_control_number,omitempty"`
	FunctionalGroupControlNumber string `json:"functional_group_control_number,omitempty"`
	OrganizationID               string `json:"organization_id,omitempty"`
	PayerID                      string `json:"payer_id,omitempty"`
	Currency                     string `json:"currency,omitempty"`

	Claims              []Claim              `json:"claims,omitempty"`
	Charges             []Charge             `json:"charges,omitempty"`
	Payments            []Payment            `json:"payments,omitempty"`
	Adjustments         []Adjustment         `json:"adjustments,omitempty"`
	PriorAuthorizations []PriorAuthorization `json:"prior_authorizations,omitempty"`
	DRGs                []DRG                `json:"drgs,omitempty"`

	Deidentified bool `json:"deidentified,omitempty"`
}

func (o *OperationalContent) Kind() ContentKind     { return KindOperational }
func (o *OperationalContent) CorrelationID() string { return o.Correlation }

func (o *OperationalContent) Summary() string {
	var parts []string
	if o.TransactionType != "" {
		parts = append(parts, "txn "+o.TransactionType)
	}
	add := func(name string, n int) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, name))
		}
	}
	add("claims", len(o.Claims))
	add("charges", len(o.Charges))
	add("payments", len(o.Payments))
	add("adjustments", len(o.Adjustments))
	add("prior auths", len(o.PriorAuthorizations))
	add("DRGs", len(o.DRGs))

	if charged := o.TotalCharged(); !charged.IsZero() {
		parts = append(parts, "charged "+charged.StringFixed(2))
	}
	if paid := o.TotalPaid(); !paid.IsZero() {
		parts = append(parts, "paid "+paid.StringFixed(2))
	}
	if len(parts) == 0 {
		return "empty operational record"
	}
	return strings.Join(parts, ", ")
}

// TotalCharged sums claim charge totals.
func (o *OperationalContent) TotalCharged() decimal.Decimal {
	sum := decimal.Zero
	for _, c := range o.Claims {
		sum = sum.Add(c.TotalCharged)
	}
	return sum
}

// TotalPaid sums claim payment totals.
func (o *OperationalContent) TotalPaid() decimal.Decimal {
	sum := decimal.Zero
	for _, c := range o.Claims {
		sum = sum.Add(c.TotalPaid)
	}
	return sum
}
