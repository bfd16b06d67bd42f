package deid

import (
	"strconv"
	"strings"

	"github.com/PulsePipe/pulsepipe/internal/model"
)

// audit is the closing residual scan over the transformed record. Any
// identifier category still present and not configured as retained is a
// violation; the caller holds the record.
func (e *Engine) audit(content model.Content) []*Violation {
	c, ok := content.(*model.ClinicalContent)
	if !ok {
		return e.auditOperational(content.(*model.OperationalContent))
	}

	var out []*Violation
	flag := func(path string, cat Category) {
		if !e.retained(cat) {
			out = append(out, &Violation{Path: path, Category: cat})
		}
	}

	if p := c.Patient; p != nil {
		if p.ID != "" && !model.IsPseudonym(p.ID) {
			flag("patient.id", CategoryMRN)
		}
		for i, name := range p.Names {
			if name != "" && !strings.Contains(name, "[REDACTED-") {
				flag("patient.names."+strconv.Itoa(i), CategoryName)
			}
		}
		for key, value := range p.Identifiers {
			if value != "" && !model.IsPseudonym(value) {
				flag("patient.identifiers."+key, identifierCategory(key))
			}
		}
		if p.DOBMonth != 0 || p.DOBDay != 0 {
			flag("patient.dob", CategoryDate)
		}
		if p.DOBYear != 0 && !e.cfg.KeepYear {
			flag("patient.dob_year", CategoryDate)
		}
		if p.DOBYear != 0 && e.age(p.DOBYear) >= e.cfg.OverAgeThreshold {
			flag("patient.dob_year", CategoryDate)
		}
		if residualGeo(p.GeographicArea, e.cfg.GeographicPrecision) {
			flag("patient.geographic_area", CategoryGeographic)
		}
	}

	if enc := c.Encounter; enc != nil {
		if enc.ID != "" && !model.IsPseudonym(enc.ID) {
			flag("encounter.id", CategoryOther)
		}
		if hasFullDate(enc.AdmitDate) || hasFullDate(enc.DischargeDate) {
			flag("encounter.dates", CategoryDate)
		}
		for i := range enc.Providers {
			if n := enc.Providers[i].Name; n != "" && !strings.Contains(n, "[REDACTED-") {
				flag("encounter.providers."+strconv.Itoa(i)+".name", CategoryName)
			}
		}
	}

	for i := range c.Labs {
		if id := c.Labs[i].PatientID; id != "" && !model.IsPseudonym(id) {
			flag("labs."+strconv.Itoa(i)+".patient_id", CategoryOther)
		}
	}
	for i := range c.Notes {
		if a := c.Notes[i].Author; a != "" && !strings.Contains(a, "[REDACTED-") {
			flag("notes."+strconv.Itoa(i)+".author", CategoryName)
		}
	}
	return out
}

func (e *Engine) auditOperational(o *model.OperationalContent) []*Violation {
	var out []*Violation
	for i := range o.Claims {
		if id := o.Claims[i].PatientID; id != "" && !model.IsPseudonym(id) && !e.retained(CategoryOther) {
			out = append(out, &Violation{
				Path: "claims." + strconv.Itoa(i) + ".patient_id", Category: CategoryOther,
			})
		}
	}
	for i := range o.Payments {
		if n := o.Payments[i].CheckNumber; n != "" && !model.IsPseudonym(n) && !e.retained(CategoryAccount) {
			out = append(out, &Violation{
				Path: "payments." + strconv.Itoa(i) + ".check_number", Category: CategoryAccount,
			})
		}
	}
	return out
}

// hasFullDate reports whether a value is still more precise than a bare
// year.
func hasFullDate(v string) bool {
	return v != "" && yearOf(v) != "" && len(v) > 4
}
