package deid

import (
	"strconv"
	"strings"

	"github.com/PulsePipe/pulsepipe/internal/model"
)

// ruleScanClinical applies the deterministic Safe-Harbor transforms to a
// clinical record in place.
func (e *Engine) ruleScanClinical(c *model.ClinicalContent, report *Report) {
	if p := c.Patient; p != nil {
		e.scrubPatient(p, report)
	}
	if enc := c.Encounter; enc != nil {
		e.hashField(&enc.ID, "encounter.id", CategoryOther, report)
		e.hashField(&enc.PatientID, "encounter.patient_id", CategoryOther, report)
		e.generalizeDate(&enc.AdmitDate, "encounter.admit_date", report)
		e.generalizeDate(&enc.DischargeDate, "encounter.discharge_date", report)
		for i := range enc.Providers {
			path := "encounter.providers." + strconv.Itoa(i)
			e.hashField(&enc.Providers[i].ID, path+".id", CategoryOther, report)
			e.redactField(&enc.Providers[i].Name, path+".name", CategoryName, report)
		}
	}

	for i := range c.VitalSigns {
		v := &c.VitalSigns[i]
		path := "vital_signs." + strconv.Itoa(i)
		e.hashField(&v.PatientID, path+".patient_id", CategoryOther, report)
		e.hashField(&v.EncounterID, path+".encounter_id", CategoryOther, report)
		e.generalizeDate(&v.Timestamp, path+".timestamp", report)
	}
	for i := range c.Allergies {
		e.hashField(&c.Allergies[i].PatientID, "allergies."+strconv.Itoa(i)+".patient_id", CategoryOther, report)
	}
	for i := range c.Immunizations {
		path := "immunizations." + strconv.Itoa(i)
		e.hashField(&c.Immunizations[i].PatientID, path+".patient_id", CategoryOther, report)
		e.generalizeDate(&c.Immunizations[i].DateGiven, path+".date_given", report)
		e.hashField(&c.Immunizations[i].LotNumber, path+".lot_number", CategoryOther, report)
	}
	for i := range c.Diagnoses {
		path := "diagnoses." + strconv.Itoa(i)
		e.hashField(&c.Diagnoses[i].PatientID, path+".patient_id", CategoryOther, report)
		e.hashField(&c.Diagnoses[i].EncounterID, path+".encounter_id", CategoryOther, report)
		e.generalizeDate(&c.Diagnoses[i].OnsetDate, path+".onset_date", report)
	}
	for i := range c.ProblemList {
		path := "problem_list." + strconv.Itoa(i)
		e.hashField(&c.ProblemList[i].PatientID, path+".patient_id", CategoryOther, report)
		e.generalizeDate(&c.ProblemList[i].OnsetDate, path+".onset_date", report)
	}
	for i := range c.Procedures {
		path := "procedures." + strconv.Itoa(i)
		e.hashField(&c.Procedures[i].PatientID, path+".patient_id", CategoryOther, report)
		e.hashField(&c.Procedures[i].EncounterID, path+".encounter_id", CategoryOther, report)
		e.hashField(&c.Procedures[i].ProviderID, path+".provider_id", CategoryOther, report)
		e.generalizeDate(&c.Procedures[i].PerformedAt, path+".performed_at", report)
	}
	for i := range c.Medications {
		path := "medications." + strconv.Itoa(i)
		e.hashField(&c.Medications[i].PatientID, path+".patient_id", CategoryOther, report)
		e.hashField(&c.Medications[i].EncounterID, path+".encounter_id", CategoryOther, report)
		e.generalizeDate(&c.Medications[i].StartDate, path+".start_date", report)
		e.generalizeDate(&c.Medications[i].EndDate, path+".end_date", report)
	}
	for i := range c.Payors {
		path := "payors." + strconv.Itoa(i)
		e.hashField(&c.Payors[i].PolicyNumber, path+".policy_number", CategoryHealthPlan, report)
	}
	for i := range c.Notes {
		path := "notes." + strconv.Itoa(i)
		e.hashField(&c.Notes[i].PatientID, path+".patient_id", CategoryOther, report)
		e.hashField(&c.Notes[i].EncounterID, path+".encounter_id", CategoryOther, report)
		e.redactField(&c.Notes[i].Author, path+".author", CategoryName, report)
		e.generalizeDate(&c.Notes[i].Timestamp, path+".timestamp", report)
	}
	for i := range c.Imaging {
		path := "imaging." + strconv.Itoa(i)
		e.hashField(&c.Imaging[i].ID, path+".id", CategoryOther, report)
		e.hashField(&c.Imaging[i].PatientID, path+".patient_id", CategoryOther, report)
		e.hashField(&c.Imaging[i].EncounterID, path+".encounter_id", CategoryOther, report)
	}
	for i := range c.Labs {
		path := "labs." + strconv.Itoa(i)
		lab := &c.Labs[i]
		e.hashField(&lab.ID, path+".id", CategoryOther, report)
		e.hashField(&lab.PatientID, path+".patient_id", CategoryOther, report)
		e.hashField(&lab.EncounterID, path+".encounter_id", CategoryOther, report)
		e.generalizeDate(&lab.CollectedAt, path+".collected_at", report)
		e.generalizeDate(&lab.ReportedAt, path+".reported_at", report)
		for j := range lab.Observations {
			e.generalizeDate(&lab.Observations[j].Timestamp,
				path+".observations."+strconv.Itoa(j)+".timestamp", report)
		}
	}
	for i := range c.Orders {
		path := "orders." + strconv.Itoa(i)
		e.hashField(&c.Orders[i].ID, path+".id", CategoryOther, report)
		e.hashField(&c.Orders[i].PatientID, path+".patient_id", CategoryOther, report)
		e.hashField(&c.Orders[i].ProviderID, path+".provider_id", CategoryOther, report)
		e.generalizeDate(&c.Orders[i].OrderedAt, path+".ordered_at", report)
	}
	for i := range c.Claims {
		e.scrubClaim(&c.Claims[i], "claims."+strconv.Itoa(i), report)
	}
}

// ruleScanOperational applies the transforms to an administrative record.
// Patient and subscriber identifiers are hashed; control numbers and payer
// organization ids are not patient identifiers and stay as they are.
func (e *Engine) ruleScanOperational(o *model.OperationalContent, report *Report) {
	for i := range o.Claims {
		e.scrubClaim(&o.Claims[i], "claims."+strconv.Itoa(i), report)
	}
	for i := range o.Charges {
		path := "charges." + strconv.Itoa(i)
		e.hashField(&o.Charges[i].PatientID, path+".patient_id", CategoryOther, report)
		e.generalizeDate(&o.Charges[i].ServiceDate, path+".service_date", report)
	}
	for i := range o.Payments {
		path := "payments." + strconv.Itoa(i)
		e.hashField(&o.Payments[i].PatientID, path+".patient_id", CategoryOther, report)
		e.hashField(&o.Payments[i].CheckNumber, path+".check_number", CategoryAccount, report)
		e.generalizeDate(&o.Payments[i].PaymentDate, path+".payment_date", report)
	}
	for i := range o.PriorAuthorizations {
		path := "prior_authorizations." + strconv.Itoa(i)
		e.hashField(&o.PriorAuthorizations[i].PatientID, path+".patient_id", CategoryOther, report)
		e.generalizeDate(&o.PriorAuthorizations[i].EffectiveDate, path+".effective_date", report)
		e.generalizeDate(&o.PriorAuthorizations[i].ExpirationDate, path+".expiration_date", report)
	}
}

func (e *Engine) scrubClaim(claim *model.Claim, path string, report *Report) {
	e.hashField(&claim.PatientID, path+".patient_id", CategoryOther, report)
	e.hashField(&claim.EncounterID, path+".encounter_id", CategoryOther, report)
	e.generalizeDate(&claim.ServiceStart, path+".service_start", report)
	e.generalizeDate(&claim.ServiceEnd, path+".service_end", report)
}

func (e *Engine) scrubPatient(p *model.PatientInfo, report *Report) {
	e.hashField(&p.ID, "patient.id", CategoryMRN, report)

	for i, name := range p.Names {
		if name == "" || strings.Contains(name, "[REDACTED-") {
			continue
		}
		p.Names[i] = Marker(CategoryName)
		report.add("patient.names."+strconv.Itoa(i), CategoryName, ActionRedacted)
	}

	for key, value := range p.Identifiers {
		cat := identifierCategory(key)
		if e.retained(cat) {
			report.add("patient.identifiers."+key, cat, ActionRetained)
			continue
		}
		if !model.IsPseudonym(value) {
			p.Identifiers[key] = e.pseudonym(value)
			report.add("patient.identifiers."+key, cat, ActionHashed)
		}
	}

	// Birth date reduces to year only; past the age threshold even the
	// year goes, leaving just the flag.
	if p.DOBMonth != 0 || p.DOBDay != 0 {
		p.DOBMonth, p.DOBDay = 0, 0
		report.add("patient.dob", CategoryDate, ActionGeneralized)
	}
	if p.DOBYear != 0 {
		switch {
		case e.age(p.DOBYear) >= e.cfg.OverAgeThreshold:
			p.DOBYear = 0
			p.Over90 = true
			report.add("patient.dob_year", CategoryDate, ActionRedacted)
		case !e.cfg.KeepYear:
			p.DOBYear = 0
			report.add("patient.dob_year", CategoryDate, ActionRedacted)
		}
	}

	if p.GeographicArea != "" {
		generalized := generalizeGeo(p.GeographicArea, e.cfg.GeographicPrecision)
		if generalized != p.GeographicArea {
			p.GeographicArea = generalized
			report.add("patient.geographic_area", CategoryGeographic, ActionGeneralized)
		}
	}
}

// age derives age from a birth year. The engine deliberately avoids
// wall-clock day precision; year arithmetic is all Safe Harbor needs.
func (e *Engine) age(birthYear int) int {
	return e.nowYear() - birthYear
}

// hashField pseudonymizes one identifier field in place.
func (e *Engine) hashField(field *string, path string, cat Category, report *Report) {
	if *field == "" || model.IsPseudonym(*field) {
		return
	}
	if e.retained(cat) {
		report.add(path, cat, ActionRetained)
		return
	}
	*field = e.pseudonym(*field)
	report.add(path, cat, ActionHashed)
}

// redactField replaces one field with its category marker.
func (e *Engine) redactField(field *string, path string, cat Category, report *Report) {
	if *field == "" || strings.Contains(*field, "[REDACTED-") {
		return
	}
	if e.retained(cat) {
		report.add(path, cat, ActionRetained)
		return
	}
	*field = Marker(cat)
	report.add(path, cat, ActionRedacted)
}

// generalizeDate reduces a date or timestamp to its four-digit year, or
// removes it entirely when years are not kept. Already-generalized values
// pass through untouched.
func (e *Engine) generalizeDate(field *string, path string, report *Report) {
	v := *field
	if v == "" {
		return
	}
	if e.retained(CategoryDate) {
		report.add(path, CategoryDate, ActionRetained)
		return
	}
	if !e.cfg.KeepYear {
		*field = ""
		report.add(path, CategoryDate, ActionRedacted)
		return
	}
	year := yearOf(v)
	if year == "" {
		// Not recognizably a date; safest course is removal.
		*field = ""
		report.add(path, CategoryDate, ActionRedacted)
		return
	}
	if v == year {
		return // already year-only
	}
	*field = year
	report.add(path, CategoryDate, ActionGeneralized)
}

// yearOf extracts a leading four-digit year from common date shapes
// (ISO 8601, compact HL7 timestamps).
func yearOf(v string) string {
	if len(v) < 4 {
		return ""
	}
	for _, r := range v[:4] {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return v[:4]
}

// generalizeGeo reduces an area string to the configured precision: state
// keeps the state alone, zip3 keeps state plus a three-digit zip prefix,
// none removes it. Feeds disagree on the joiner, so both the
// "city, state, postal" and the space-joined form are parsed; the postal
// token is whatever trailing token starts with a digit, and the state is
// the rightmost token before it.
func generalizeGeo(area, precision string) string {
	if precision == "none" {
		return ""
	}
	fields := splitArea(area)
	var state, postal string
	for i := len(fields) - 1; i >= 0; i-- {
		if startsWithDigit(fields[i]) {
			if postal == "" {
				postal = fields[i]
			}
			continue
		}
		state = fields[i]
		break
	}
	if precision == "zip3" && len(postal) >= 3 {
		if state == "" {
			return postal[:3]
		}
		return state + " " + postal[:3]
	}
	return state
}

// splitArea breaks an area string into tokens regardless of whether the
// source joined it with commas or spaces.
func splitArea(area string) []string {
	return strings.FieldsFunc(area, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

// residualGeo reports whether an area string still carries geography
// finer than the configured precision. The closing audit uses it to hold
// records whose area shape slipped past the generalizer.
func residualGeo(area, precision string) bool {
	if area == "" {
		return false
	}
	if precision == "none" {
		return true
	}
	fields := splitArea(area)
	switch precision {
	case "zip3":
		switch len(fields) {
		case 1:
			return startsWithDigit(fields[0]) && len(fields[0]) > 3
		case 2:
			return startsWithDigit(fields[0]) ||
				!startsWithDigit(fields[1]) || len(fields[1]) > 3
		default:
			return true
		}
	default: // state
		return len(fields) > 1 || startsWithDigit(fields[0])
	}
}
