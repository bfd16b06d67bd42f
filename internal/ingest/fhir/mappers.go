package fhir

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PulsePipe/pulsepipe/internal/ingest"
	"github.com/PulsePipe/pulsepipe/internal/model"
)

// claimStatuses maps resource claim statuses to canonical ones.
var claimStatuses = map[string]model.ClaimStatus{
	"active":           model.ClaimAccepted,
	"cancelled":        model.ClaimDenied,
	"entered-in-error": model.ClaimDenied,
}

// mapState carries the anchor ids cached in the first pass and the issues
// accumulated while mapping.
type mapState struct {
	index *bundleIndex
	now   func() time.Time

	patientID   string
	encounterID string
	orderID     string

	issues []ingest.FieldIssue
}

func (st *mapState) issue(path, detail, location string) {
	st.issues = append(st.issues, ingest.FieldIssue{
		Kind: ingest.FieldValueError, Path: path, Detail: detail, Location: location,
	})
}

// cacheAnchors records the first patient, encounter, and order in the
// bundle so resources lacking an explicit subject still attach.
func (st *mapState) cacheAnchors(res resource) {
	if res == nil {
		return
	}
	switch res.str("resourceType") {
	case "Patient":
		if st.patientID == "" {
			st.patientID = res.str("id")
		}
	case "Encounter":
		if st.encounterID == "" {
			st.encounterID = res.str("id")
		}
	case "ServiceRequest":
		if st.orderID == "" {
			st.orderID = res.str("id")
		}
	}
}

// subject returns the patient id a resource refers to, falling back to the
// bundle anchor.
func (st *mapState) subject(res resource) string {
	if id := refID(res.reference("subject")); id != "" {
		return id
	}
	if id := refID(res.reference("patient")); id != "" {
		return id
	}
	return st.patientID
}

func (st *mapState) encounter(res resource) string {
	if id := refID(res.reference("encounter")); id != "" {
		return id
	}
	return st.encounterID
}

// mapResource dispatches one resource into the content container. Returns
// false when no mapper covers the resource type.
func (st *mapState) mapResource(res resource, content *model.ClinicalContent) bool {
	switch res.str("resourceType") {
	case "Patient":
		st.mapPatient(res, content)
	case "Encounter":
		st.mapEncounter(res, content)
	case "Observation":
		st.mapObservation(res, content)
	case "Condition":
		st.mapCondition(res, content)
	case "AllergyIntolerance":
		st.mapAllergy(res, content)
	case "Immunization":
		st.mapImmunization(res, content)
	case "Procedure":
		st.mapProcedure(res, content)
	case "MedicationRequest", "MedicationStatement":
		st.mapMedication(res, content)
	case "DiagnosticReport":
		st.mapDiagnosticReport(res, content)
	case "ServiceRequest":
		st.mapServiceRequest(res, content)
	case "Coverage":
		st.mapCoverage(res, content)
	case "Claim":
		st.mapClaim(res, content)
	default:
		return false
	}
	return true
}

func (st *mapState) mapPatient(res resource, content *model.ClinicalContent) {
	patient := &model.PatientInfo{
		ID:     res.str("id"),
		Gender: res.str("gender"),
	}

	if birth := res.str("birthDate"); birth != "" {
		year, err := strconv.Atoi(strings.SplitN(birth, "-", 2)[0])
		if err != nil {
			st.issue("patient.dob", "malformed birthDate "+strconv.Quote(birth), "Patient/"+patient.ID)
		} else if st.now().Year()-year >= 90 {
			patient.Over90 = true
		} else {
			patient.DOBYear = year
		}
	}

	identifiers := map[string]string{}
	for _, ident := range res.list("identifier") {
		system, value := ident.str("system"), ident.str("value")
		if system != "" && value != "" {
			identifiers[system] = value
		}
	}
	if len(identifiers) > 0 {
		patient.Identifiers = identifiers
	}

	for _, name := range res.list("name") {
		var parts []string
		for _, given := range asStrings(name["given"]) {
			parts = append(parts, given)
		}
		if family := name.str("family"); family != "" {
			parts = append(parts, family)
		}
		if len(parts) > 0 {
			patient.Names = append(patient.Names, strings.Join(parts, " "))
		}
	}

	for _, comm := range res.list("communication") {
		if _, _, display := comm.coding("language"); display != "" {
			patient.Language = display
			break
		}
	}

	if addrs := res.list("address"); len(addrs) > 0 {
		var parts []string
		for _, key := range []string{"city", "state", "postalCode"} {
			if v := addrs[0].str(key); v != "" {
				parts = append(parts, v)
			}
		}
		patient.GeographicArea = strings.Join(parts, ", ")
	}

	content.Patient = patient
}

func (st *mapState) mapEncounter(res resource, content *model.ClinicalContent) {
	enc := &model.EncounterInfo{
		ID:        res.str("id"),
		PatientID: st.subject(res),
	}
	if _, _, display := res.coding("class"); display != "" {
		enc.EncounterType = display
	} else {
		enc.EncounterType = res.child("class").str("code")
	}
	if period := res.child("period"); period != nil {
		enc.AdmitDate = period.str("start")
		enc.DischargeDate = period.str("end")
	}
	for _, reason := range res.list("reasonCode") {
		if codings := reason.list("coding"); len(codings) > 0 {
			enc.ReasonCode = codings[0].str("code")
			break
		}
		if text := reason.str("text"); text != "" {
			enc.ReasonCode = text
			break
		}
	}
	for _, loc := range res.list("location") {
		if name := loc.child("location").str("display"); name != "" {
			enc.Location = name
			break
		}
	}
	for _, part := range res.list("participant") {
		individual := part.child("individual")
		if individual == nil {
			continue
		}
		enc.Providers = append(enc.Providers, model.EncounterProvider{
			ID:   refID(individual.str("reference")),
			Name: individual.str("display"),
		})
	}
	content.Encounter = enc
}

// mapObservation routes by category: vital-signs to VitalSigns, laboratory
// to a single-observation LabReport, imaging to ImagingReport. Component
// observations (blood pressure panels) fan out one vital per component.
func (st *mapState) mapObservation(res resource, content *model.ClinicalContent) {
	switch observationCategory(res) {
	case "vital-signs":
		content.VitalSigns = append(content.VitalSigns, st.vitalSigns(res)...)
	case "laboratory":
		content.Labs = append(content.Labs, st.labReport(res))
	case "imaging":
		code, _, display := res.coding("code")
		if code == "" {
			code = display
		}
		content.Imaging = append(content.Imaging, model.ImagingReport{
			ID:          res.str("id"),
			Code:        code,
			Narrative:   res.child("text").str("div"),
			PatientID:   st.subject(res),
			EncounterID: st.encounter(res),
		})
	}
	// Unclassified observations are skipped.
}

func observationCategory(res resource) string {
	for _, cat := range res.list("category") {
		for _, coding := range cat.list("coding") {
			if code := coding.str("code"); code != "" {
				return code
			}
		}
	}
	return ""
}

func (st *mapState) vitalSigns(res resource) []model.VitalSign {
	patientID, encounterID := st.subject(res), st.encounter(res)
	ts := res.str("effectiveDateTime")

	one := func(src resource) model.VitalSign {
		code, _, display := src.coding("code")
		value, unit := src.quantity("valueQuantity")
		return model.VitalSign{
			Code:        code,
			Display:     display,
			Value:       value,
			Unit:        unit,
			Timestamp:   ts,
			PatientID:   patientID,
			EncounterID: encounterID,
		}
	}

	components := res.list("component")
	if len(components) == 0 {
		return []model.VitalSign{one(res)}
	}
	out := make([]model.VitalSign, 0, len(components))
	for _, c := range components {
		out = append(out, one(c))
	}
	return out
}

func (st *mapState) labReport(res resource) model.LabReport {
	code, _, display := res.coding("code")
	value, unit := res.quantity("valueQuantity")
	if value == "" {
		value = res.str("valueString")
	}
	obs := model.LabObservation{
		Code:      code,
		Name:      display,
		Value:     value,
		Unit:      unit,
		Timestamp: res.str("effectiveDateTime"),
	}
	if _, _, interp := res.coding("interpretation"); interp != "" {
		obs.AbnormalFlag = interp
	}
	return model.LabReport{
		ID:           res.str("id"),
		Code:         code,
		Name:         display,
		CollectedAt:  res.str("effectiveDateTime"),
		ReportedAt:   res.str("issued"),
		Observations: []model.LabObservation{obs},
		PatientID:    st.subject(res),
		EncounterID:  st.encounter(res),
	}
}

// mapCondition routes by category: problem-list-item to the longitudinal
// problem list, everything else to encounter diagnoses.
func (st *mapState) mapCondition(res resource, content *model.ClinicalContent) {
	code, system, display := res.coding("code")
	isProblem := false
	for _, cat := range res.list("category") {
		for _, coding := range cat.list("coding") {
			if coding.str("code") == "problem-list-item" {
				isProblem = true
			}
		}
	}

	if isProblem {
		problem := model.Problem{
			Code:         code,
			CodingMethod: system,
			Description:  display,
			OnsetDate:    res.str("onsetDateTime"),
			PatientID:    st.subject(res),
		}
		if codings := res.child("clinicalStatus").list("coding"); len(codings) > 0 {
			problem.Status = codings[0].str("code")
		}
		content.ProblemList = append(content.ProblemList, problem)
		return
	}
	content.Diagnoses = append(content.Diagnoses, model.Diagnosis{
		Code:         code,
		CodingMethod: system,
		Description:  display,
		OnsetDate:    res.str("onsetDateTime"),
		PatientID:    st.subject(res),
		EncounterID:  st.encounter(res),
	})
}

func (st *mapState) mapAllergy(res resource, content *model.ClinicalContent) {
	code, _, display := res.coding("code")
	allergy := model.Allergy{
		Substance: display,
		Code:      code,
		PatientID: st.subject(res),
	}
	if codings := res.child("clinicalStatus").list("coding"); len(codings) > 0 {
		allergy.Status = codings[0].str("code")
	}
	if reactions := res.list("reaction"); len(reactions) > 0 {
		if manifests := reactions[0].list("manifestation"); len(manifests) > 0 {
			allergy.Reaction = manifests[0].str("text")
			if allergy.Reaction == "" {
				if codings := manifests[0].list("coding"); len(codings) > 0 {
					allergy.Reaction = codings[0].str("display")
				}
			}
		}
		allergy.Severity = reactions[0].str("severity")
	}
	content.Allergies = append(content.Allergies, allergy)
}

func (st *mapState) mapImmunization(res resource, content *model.ClinicalContent) {
	code, _, display := res.coding("vaccineCode")
	content.Immunizations = append(content.Immunizations, model.Immunization{
		VaccineCode: code,
		Description: display,
		DateGiven:   res.str("occurrenceDateTime"),
		Status:      res.str("status"),
		LotNumber:   res.str("lotNumber"),
		PatientID:   st.subject(res),
	})
}

func (st *mapState) mapProcedure(res resource, content *model.ClinicalContent) {
	code, system, display := res.coding("code")
	proc := model.Procedure{
		Code:         code,
		CodingMethod: system,
		Description:  display,
		PerformedAt:  res.str("performedDateTime"),
		Status:       res.str("status"),
		PatientID:    st.subject(res),
		EncounterID:  st.encounter(res),
	}
	if performers := res.list("performer"); len(performers) > 0 {
		proc.ProviderID = refID(performers[0].reference("actor"))
	}
	content.Procedures = append(content.Procedures, proc)
}

func (st *mapState) mapMedication(res resource, content *model.ClinicalContent) {
	med := model.Medication{
		Status:      res.str("status"),
		PatientID:   st.subject(res),
		EncounterID: st.encounter(res),
	}
	if code, _, display := res.coding("medicationCodeableConcept"); code != "" || display != "" {
		med.Code, med.Name = code, display
	} else if ref := res.reference("medicationReference"); ref != "" {
		if target := st.index.resolve(ref, res); target != nil {
			med.Code, _, med.Name = target.coding("code")
		} else {
			med.Name = res.child("medicationReference").str("display")
		}
	}
	if dosages := res.list("dosageInstruction"); len(dosages) > 0 {
		med.Dose = dosages[0].str("text")
		if timing := dosages[0].child("timing"); timing != nil {
			if _, _, display := timing.coding("code"); display != "" {
				med.Frequency = display
			}
		}
		if _, _, route := dosages[0].coding("route"); route != "" {
			med.Route = route
		}
	}
	content.Medications = append(content.Medications, med)
}

// mapDiagnosticReport resolves result references into one grouped lab
// report. Chains through hasMember are followed to the depth cap; a
// revisit stops the branch with a cycle warning.
func (st *mapState) mapDiagnosticReport(res resource, content *model.ClinicalContent) {
	code, _, display := res.coding("code")
	report := model.LabReport{
		ID:          res.str("id"),
		Code:        code,
		Name:        display,
		CollectedAt: res.str("effectiveDateTime"),
		ReportedAt:  res.str("issued"),
		PatientID:   st.subject(res),
		EncounterID: st.encounter(res),
	}

	visited := map[string]bool{}
	for _, result := range res.list("result") {
		st.collectObservations(result.str("reference"), res, &report, 0, visited)
	}
	content.Labs = append(content.Labs, report)
}

func (st *mapState) collectObservations(ref string, holder resource, report *model.LabReport, depth int, visited map[string]bool) {
	if ref == "" {
		return
	}
	if depth >= st.index.maxDepth || visited[ref] {
		st.index.cycleWarning("labs.observations", ref)
		return
	}
	visited[ref] = true

	obs := st.index.resolve(ref, holder)
	if obs == nil {
		return
	}
	code, _, display := obs.coding("code")
	value, unit := obs.quantity("valueQuantity")
	if value == "" {
		value = obs.str("valueString")
	}
	report.Observations = append(report.Observations, model.LabObservation{
		Code:      code,
		Name:      display,
		Value:     value,
		Unit:      unit,
		Timestamp: obs.str("effectiveDateTime"),
	})
	for _, member := range obs.list("hasMember") {
		st.collectObservations(member.str("reference"), obs, report, depth+1, visited)
	}
}

func (st *mapState) mapServiceRequest(res resource, content *model.ClinicalContent) {
	code, _, display := res.coding("code")
	order := model.Order{
		ID:          res.str("id"),
		Code:        code,
		Description: display,
		OrderedAt:   res.str("authoredOn"),
		Status:      res.str("status"),
		PatientID:   st.subject(res),
	}
	order.ProviderID = refID(res.reference("requester"))
	content.Orders = append(content.Orders, order)
}

func (st *mapState) mapCoverage(res resource, content *model.ClinicalContent) {
	payor := model.Payor{
		PlanID:       res.str("id"),
		PolicyNumber: res.str("subscriberId"),
	}
	if payors := res.list("payor"); len(payors) > 0 {
		payor.Name = payors[0].str("display")
	}
	if res.str("order") == "1" {
		payor.Priority = "primary"
	}
	content.Payors = append(content.Payors, payor)
}

func (st *mapState) mapClaim(res resource, content *model.ClinicalContent) {
	claim := model.Claim{
		ClaimID:   res.str("id"),
		PatientID: st.subject(res),
	}
	status, ok := claimStatuses[res.str("status")]
	if !ok {
		status = model.ClaimSubmitted
	}
	claim.Status = status
	for _, coding := range res.child("type").list("coding") {
		switch coding.str("code") {
		case "institutional", "professional":
			claim.ClaimType = coding.str("code")
		case "oral":
			claim.ClaimType = "dental"
		}
	}
	if period := res.child("billablePeriod"); period != nil {
		claim.ServiceStart = period.str("start")
		claim.ServiceEnd = period.str("end")
	}
	if total := res.child("total"); total != nil {
		if v, err := decimal.NewFromString(total.str("value")); err == nil {
			claim.TotalCharged = v
		} else {
			st.issue("claims.total_charged",
				"malformed claim total "+strconv.Quote(total.str("value")), "Claim/"+claim.ClaimID)
		}
	}
	content.Claims = append(content.Claims, claim)
}

// asStrings flattens a decoded JSON value into its string members.
func asStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
