package cda

import (
	"github.com/PulsePipe/pulsepipe/internal/model"
)

func (st *docState) mapAllergies(section *element, content *model.ClinicalContent) {
	for _, entry := range section.findAll("entry") {
		for _, obs := range entry.descendants("observation") {
			substance := obs.find("participant", "participantRole", "playingEntity", "code")
			if substance == nil {
				continue
			}
			allergy := model.Allergy{
				Code:      substance.attr("code"),
				Substance: substance.attr("displayName"),
				Status:    obs.find("statusCode").attr("code"),
			}
			// Reaction and severity live in nested entryRelationship
			// observations.
			for _, rel := range obs.findAll("entryRelationship") {
				relObs := rel.find("observation")
				if v := relObs.find("value").attr("displayName"); v != "" && allergy.Reaction == "" {
					allergy.Reaction = v
				}
				if sev := relObs.find("value").attr("code"); sev != "" && allergy.Severity == "" {
					if relObs.find("code").attr("code") == "SEV" {
						allergy.Severity = sev
					}
				}
			}
			content.Allergies = append(content.Allergies, allergy)
		}
	}
}

func (st *docState) mapMedications(section *element, content *model.ClinicalContent) {
	for _, entry := range section.findAll("entry") {
		for _, admin := range entry.findAll("substanceAdministration") {
			material := admin.find("consumable", "manufacturedProduct", "manufacturedMaterial", "code")
			med := model.Medication{
				Code:   material.attr("code"),
				Name:   material.attr("displayName"),
				Route:  admin.find("routeCode").attr("displayName"),
				Status: admin.find("statusCode").attr("code"),
			}
			if dose := admin.find("doseQuantity"); dose != nil {
				med.Dose = dose.attr("value")
				if unit := dose.attr("unit"); unit != "" {
					med.Dose += " " + unit
				}
			}
			if period := admin.find("effectiveTime"); period != nil {
				med.StartDate = period.find("low").attr("value")
				med.EndDate = period.find("high").attr("value")
			}
			content.Medications = append(content.Medications, med)
		}
	}
}

func (st *docState) mapProblems(section *element, content *model.ClinicalContent) {
	for _, entry := range section.findAll("entry") {
		for _, obs := range entry.descendants("observation") {
			value := obs.find("value")
			if value.attr("code") == "" && value.attr("displayName") == "" {
				continue
			}
			content.ProblemList = append(content.ProblemList, model.Problem{
				Code:         value.attr("code"),
				CodingMethod: value.attr("codeSystemName"),
				Description:  value.attr("displayName"),
				Status:       obs.find("statusCode").attr("code"),
				OnsetDate:    obs.find("effectiveTime", "low").attr("value"),
			})
		}
	}
}

func (st *docState) mapProcedures(section *element, content *model.ClinicalContent) {
	for _, entry := range section.findAll("entry") {
		for _, proc := range entry.findAll("procedure") {
			code := proc.find("code")
			out := model.Procedure{
				Code:         code.attr("code"),
				CodingMethod: code.attr("codeSystemName"),
				Description:  code.attr("displayName"),
				Status:       proc.find("statusCode").attr("code"),
			}
			if when := proc.find("effectiveTime"); when != nil {
				out.PerformedAt = when.attr("value")
				if out.PerformedAt == "" {
					out.PerformedAt = when.find("low").attr("value")
				}
			}
			content.Procedures = append(content.Procedures, out)
		}
	}
}

func (st *docState) mapVitalSigns(section *element, content *model.ClinicalContent) {
	for _, entry := range section.findAll("entry") {
		for _, organizer := range entry.findAll("organizer") {
			ts := organizer.find("effectiveTime").attr("value")
			for _, comp := range organizer.findAll("component") {
				obs := comp.find("observation")
				if obs == nil {
					continue
				}
				code := obs.find("code")
				value := obs.find("value")
				vital := model.VitalSign{
					Code:      code.attr("code"),
					Display:   code.attr("displayName"),
					Value:     value.attr("value"),
					Unit:      value.attr("unit"),
					Timestamp: obs.find("effectiveTime").attr("value"),
				}
				if vital.Timestamp == "" {
					vital.Timestamp = ts
				}
				if vital.Code == "" && vital.Value == "" {
					st.issue("vital_signs", "vital observation without code or value")
					continue
				}
				content.VitalSigns = append(content.VitalSigns, vital)
			}
		}
	}
}

func (st *docState) mapImmunizations(section *element, content *model.ClinicalContent) {
	for _, entry := range section.findAll("entry") {
		for _, admin := range entry.findAll("substanceAdministration") {
			material := admin.find("consumable", "manufacturedProduct", "manufacturedMaterial")
			code := material.find("code")
			content.Immunizations = append(content.Immunizations, model.Immunization{
				VaccineCode: code.attr("code"),
				Description: code.attr("displayName"),
				DateGiven:   admin.find("effectiveTime").attr("value"),
				Status:      admin.find("statusCode").attr("code"),
				LotNumber:   material.find("lotNumberText").text(),
			})
		}
	}
}

func (st *docState) mapResults(section *element, content *model.ClinicalContent) {
	for _, entry := range section.findAll("entry") {
		for _, organizer := range entry.findAll("organizer") {
			code := organizer.find("code")
			report := model.LabReport{
				ID:          organizer.find("id").attr("root"),
				Code:        code.attr("code"),
				Name:        code.attr("displayName"),
				CollectedAt: organizer.find("effectiveTime").attr("value"),
			}
			for _, comp := range organizer.findAll("component") {
				obs := comp.find("observation")
				if obs == nil {
					continue
				}
				obsCode := obs.find("code")
				value := obs.find("value")
				report.Observations = append(report.Observations, model.LabObservation{
					Code:         obsCode.attr("code"),
					Name:         obsCode.attr("displayName"),
					Value:        value.attr("value"),
					Unit:         value.attr("unit"),
					AbnormalFlag: obs.find("interpretationCode").attr("code"),
					Timestamp:    obs.find("effectiveTime").attr("value"),
				})
			}
			content.Labs = append(content.Labs, report)
		}
	}
}
