package tracking

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/PulsePipe/pulsepipe/internal/model"
)

// Quality scoring weights. Completeness dominates because a sparse record
// is worse for downstream use than an internally inconsistent one.
const (
	weightCompleteness = 0.5
	weightConsistency  = 0.3
	weightOutlier      = 0.2
)

// Scorer assesses canonical records prior to persistence. Scores land in
// [0,1] per dimension.
type Scorer struct{}

// Score evaluates one record.
func (s *Scorer) Score(content model.Content) QualityScore {
	var completeness, consistency float64
	var outlier bool

	switch c := content.(type) {
	case *model.ClinicalContent:
		completeness = clinicalCompleteness(c)
		consistency, outlier = clinicalConsistency(c)
	case *model.OperationalContent:
		completeness = operationalCompleteness(c)
		consistency, outlier = operationalConsistency(c)
	}

	score := QualityScore{
		RecordHash:   content.CorrelationID(),
		Completeness: completeness,
		Consistency:  consistency,
		OutlierFlag:  outlier,
	}
	outlierScore := 1.0
	if outlier {
		outlierScore = 0.0
	}
	score.Aggregate = weightCompleteness*completeness +
		weightConsistency*consistency +
		weightOutlier*outlierScore
	return score
}

// AggregateBatch is the weighted mean over a batch, with the same
// dimension weights as the per-record aggregate.
func (s *Scorer) AggregateBatch(scores []QualityScore) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, sc := range scores {
		sum += sc.Aggregate
	}
	return sum / float64(len(scores))
}

func clinicalCompleteness(c *model.ClinicalContent) float64 {
	checks := []bool{
		c.Correlation != "",
		c.Patient != nil,
		c.Patient != nil && c.Patient.Gender != "",
		c.Patient != nil && (c.Patient.DOBYear != 0 || c.Patient.Over90),
		c.Encounter != nil,
		hasClinicalBody(c),
	}
	return fractionTrue(checks)
}

func hasClinicalBody(c *model.ClinicalContent) bool {
	return len(c.VitalSigns) > 0 || len(c.Diagnoses) > 0 || len(c.ProblemList) > 0 ||
		len(c.Medications) > 0 || len(c.Allergies) > 0 || len(c.Immunizations) > 0 ||
		len(c.Procedures) > 0 || len(c.Labs) > 0 || len(c.Notes) > 0 ||
		len(c.Imaging) > 0 || len(c.Orders) > 0 || len(c.Claims) > 0
}

func clinicalConsistency(c *model.ClinicalContent) (float64, bool) {
	var checks []bool
	outlier := false

	if c.Patient != nil && c.Encounter != nil && c.Encounter.PatientID != "" {
		checks = append(checks, c.Encounter.PatientID == c.Patient.ID)
	}
	if c.Encounter != nil && isFullDate(c.Encounter.AdmitDate) && isFullDate(c.Encounter.DischargeDate) {
		checks = append(checks, c.Encounter.AdmitDate <= c.Encounter.DischargeDate)
	}
	for _, lab := range c.Labs {
		for _, obs := range lab.Observations {
			checks = append(checks, obs.Code != "" && obs.Value != "")
		}
	}
	for _, v := range c.VitalSigns {
		if n, err := strconv.ParseFloat(v.Value, 64); err == nil {
			if n <= 0 || n > 500 {
				outlier = true
			}
		}
	}
	if len(checks) == 0 {
		return 1, outlier
	}
	return fractionTrue(checks), outlier
}

func operationalCompleteness(c *model.OperationalContent) float64 {
	checks := []bool{
		c.Correlation != "",
		c.TransactionType != "",
		c.InterchangeControlNumber != "",
		len(c.Claims) > 0 || len(c.PriorAuthorizations) > 0,
	}
	return fractionTrue(checks)
}

func operationalConsistency(c *model.OperationalContent) (float64, bool) {
	var checks []bool
	outlier := false

	for _, claim := range c.Claims {
		if claim.TotalCharged.IsPositive() {
			checks = append(checks, claim.TotalPaid.LessThanOrEqual(claim.TotalCharged))
		}
		if claim.TotalCharged.IsNegative() {
			outlier = true
		}
	}
	if len(c.Payments) > 0 && len(c.Claims) > 0 {
		var paid decimal.Decimal
		for _, claim := range c.Claims {
			paid = paid.Add(claim.TotalPaid)
		}
		for _, p := range c.Payments {
			checks = append(checks, p.Amount.Equal(paid))
		}
	}
	if len(checks) == 0 {
		return 1, outlier
	}
	return fractionTrue(checks), outlier
}

// isFullDate reports a value precise enough for ordering comparisons.
// Year-only values left by de-identification are skipped.
func isFullDate(v string) bool {
	return len(v) > 4
}

func fractionTrue(checks []bool) float64 {
	if len(checks) == 0 {
		return 0
	}
	n := 0
	for _, ok := range checks {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(checks))
}
