package model

import "fmt"

// Violation is one structural-validation finding. Path addresses the field
// in dotted form (e.g. "claims[0].total_charged").
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Path + ": " + v.Message
}

// Validate checks the structural invariants of a canonical record and
// returns every violation found. It is a pure function so validation stays
// testable independently of parsing.
func Validate(c Content) []Violation {
	switch t := c.(type) {
	case *ClinicalContent:
		return validateClinical(t)
	case *OperationalContent:
		return validateOperational(t)
	default:
		return []Violation{{Path: "", Message: fmt.Sprintf("unknown content type %T", c)}}
	}
}

func validateClinical(c *ClinicalContent) []Violation {
	var out []Violation
	if c.Correlation == "" {
		out = append(out, Violation{Path: "correlation_id", Message: "missing correlation hash"})
	}
	if c.Patient != nil {
		if c.Patient.Over90 && c.Patient.DOBYear != 0 {
			out = append(out, Violation{Path: "patient.dob_year", Message: "dob_year must be absent when over_90 is set"})
		}
	}
	for i, d := range c.Diagnoses {
		if d.Code == "" && d.Description == "" {
			out = append(out, Violation{Path: fmt.Sprintf("diagnoses[%d]", i), Message: "diagnosis has neither code nor description"})
		}
	}
	for i, l := range c.Labs {
		for j, obs := range l.Observations {
			if obs.Code == "" && obs.Name == "" {
				out = append(out, Violation{
					Path:    fmt.Sprintf("labs[%d].observations[%d]", i, j),
					Message: "observation has neither code nor name",
				})
			}
		}
	}
	return out
}

func validateOperational(o *OperationalContent) []Violation {
	var out []Violation
	if o.Correlation == "" {
		out = append(out, Violation{Path: "correlation_id", Message: "missing correlation hash"})
	}
	for i, cl := range o.Claims {
		if cl.ClaimID == "" {
			out = append(out, Violation{Path: fmt.Sprintf("claims[%d].claim_id", i), Message: "claim id is required"})
		}
		if cl.TotalCharged.IsNegative() {
			out = append(out, Violation{Path: fmt.Sprintf("claims[%d].total_charged", i), Message: "charge total cannot be negative"})
		}
	}
	for i, ch := range o.Charges {
		if ch.Amount.IsNegative() {
			out = append(out, Violation{Path: fmt.Sprintf("charges[%d].amount", i), Message: "charge amount cannot be negative"})
		}
	}
	return out
}
