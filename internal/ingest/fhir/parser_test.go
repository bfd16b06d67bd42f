package fhir

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PulsePipe/pulsepipe/internal/ingest"
	"github.com/PulsePipe/pulsepipe/internal/model"
)

const sampleBundle = `{
  "resourceType": "Bundle",
  "id": "b1",
  "type": "collection",
  "entry": [
    {"fullUrl": "urn:uuid:dr-1", "resource": {
      "resourceType": "DiagnosticReport", "id": "dr1",
      "subject": {"reference": "Patient/p1"},
      "code": {"text": "CBC panel"},
      "issued": "2024-02-01T08:00:00Z",
      "result": [{"reference": "Observation/obs-a"}]
    }},
    {"resource": {
      "resourceType": "Patient", "id": "p1", "gender": "female", "birthDate": "1980-04-02",
      "identifier": [{"system": "http://hospital.example/mrn", "value": "MR123"}],
      "name": [{"family": "Doe", "given": ["Jane"]}],
      "address": [{"city": "Springfield", "state": "IL", "postalCode": "62701"}],
      "communication": [{"language": {"text": "English"}}]
    }},
    {"resource": {
      "resourceType": "Encounter", "id": "e1",
      "class": {"code": "IMP"},
      "period": {"start": "2024-01-15", "end": "2024-01-18"},
      "location": [{"location": {"display": "Ward 6"}}],
      "participant": [{"individual": {"reference": "Practitioner/dr-who", "display": "Dr Who"}}]
    }},
    {"resource": {
      "resourceType": "Observation", "id": "bp1",
      "category": [{"coding": [{"code": "vital-signs"}]}],
      "code": {"coding": [{"code": "85354-9", "display": "Blood pressure"}]},
      "effectiveDateTime": "2024-01-15T10:00:00Z",
      "component": [
        {"code": {"coding": [{"code": "8480-6", "display": "Systolic"}]},
         "valueQuantity": {"value": 120, "unit": "mmHg"}},
        {"code": {"coding": [{"code": "8462-4", "display": "Diastolic"}]},
         "valueQuantity": {"value": 80, "unit": "mmHg"}}
      ]
    }},
    {"resource": {
      "resourceType": "Observation", "id": "hgb1",
      "category": [{"coding": [{"code": "laboratory"}]}],
      "code": {"coding": [{"code": "718-7", "display": "Hemoglobin"}]},
      "valueQuantity": {"value": 13.2, "unit": "g/dL"},
      "effectiveDateTime": "2024-01-16T06:00:00Z"
    }},
    {"resource": {
      "resourceType": "Observation", "id": "obs-a",
      "code": {"coding": [{"code": "777-3", "display": "Platelets"}]},
      "valueQuantity": {"value": 250, "unit": "10*3/uL"}
    }},
    {"resource": {
      "resourceType": "Condition", "id": "c1",
      "category": [{"coding": [{"code": "problem-list-item"}]}],
      "clinicalStatus": {"coding": [{"code": "active"}]},
      "code": {"coding": [{"code": "E11.9", "system": "http://hl7.org/fhir/sid/icd-10", "display": "Type 2 diabetes"}]},
      "onsetDateTime": "2019-03-01",
      "subject": {"reference": "Patient/p1"}
    }},
    {"resource": {
      "resourceType": "Condition", "id": "c2",
      "category": [{"coding": [{"code": "encounter-diagnosis"}]}],
      "code": {"coding": [{"code": "J18.9", "display": "Pneumonia"}]},
      "subject": {"reference": "Patient/p1"},
      "encounter": {"reference": "Encounter/e1"}
    }},
    {"resource": {
      "resourceType": "AllergyIntolerance", "id": "a1",
      "clinicalStatus": {"coding": [{"code": "active"}]},
      "code": {"text": "Penicillin"},
      "patient": {"reference": "Patient/p1"},
      "reaction": [{"manifestation": [{"text": "Hives"}], "severity": "moderate"}]
    }},
    {"resource": {
      "resourceType": "Immunization", "id": "imm1",
      "status": "completed",
      "vaccineCode": {"coding": [{"code": "208", "display": "COVID-19 vaccine"}]},
      "occurrenceDateTime": "2023-10-01",
      "lotNumber": "LOT42",
      "patient": {"reference": "Patient/p1"}
    }},
    {"resource": {
      "resourceType": "MedicationRequest", "id": "mr1",
      "status": "active",
      "contained": [{"resourceType": "Medication", "id": "med1",
        "code": {"coding": [{"code": "197361", "display": "Lisinopril"}]}}],
      "medicationReference": {"reference": "#med1"},
      "dosageInstruction": [{"text": "10 mg daily", "route": {"coding": [{"display": "oral"}]}}],
      "subject": {"reference": "Patient/p1"}
    }},
    {"resource": {
      "resourceType": "ServiceRequest", "id": "sr1",
      "status": "active",
      "code": {"coding": [{"code": "57698-3", "display": "Lipid panel"}]},
      "authoredOn": "2024-01-15",
      "requester": {"reference": "Practitioner/dr-who"},
      "subject": {"reference": "Patient/p1"}
    }},
    {"resource": {
      "resourceType": "Coverage", "id": "cov1",
      "subscriberId": "SUB99", "order": 1,
      "payor": [{"display": "Acme Health"}]
    }},
    {"resource": {
      "resourceType": "Claim", "id": "clm1",
      "status": "active",
      "type": {"coding": [{"code": "professional"}]},
      "billablePeriod": {"start": "2024-01-15", "end": "2024-01-18"},
      "total": {"value": 125.5, "currency": "USD"},
      "patient": {"reference": "Patient/p1"}
    }}
  ]
}`

func fixedNow() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }

func newTestParser() *Parser {
	return New(Options{Salt: "unit-salt", Now: fixedNow})
}

func parseJSON(t *testing.T, p *Parser, payload string) ingest.Outcome {
	t.Helper()
	return p.Parse(context.Background(), ingest.RawRecord{
		Data:       []byte(payload),
		Format:     FormatTag,
		SourcePath: "bundle.json",
	})
}

func TestParseBundle(t *testing.T) {
	out := parseJSON(t, newTestParser(), sampleBundle)
	require.True(t, out.OK(), "outcome: %+v", out.Err)

	cc, ok := out.Content.(*model.ClinicalContent)
	require.True(t, ok)

	require.NotNil(t, cc.Patient)
	assert.Equal(t, "p1", cc.Patient.ID)
	assert.Equal(t, "female", cc.Patient.Gender)
	assert.Equal(t, 1980, cc.Patient.DOBYear)
	assert.False(t, cc.Patient.Over90)
	assert.Equal(t, "MR123", cc.Patient.Identifiers["http://hospital.example/mrn"])
	assert.Equal(t, []string{"Jane Doe"}, cc.Patient.Names)
	assert.Equal(t, "English", cc.Patient.Language)
	assert.Equal(t, "Springfield, IL, 62701", cc.Patient.GeographicArea)

	require.NotNil(t, cc.Encounter)
	assert.Equal(t, "e1", cc.Encounter.ID)
	assert.Equal(t, "IMP", cc.Encounter.EncounterType)
	assert.Equal(t, "2024-01-15", cc.Encounter.AdmitDate)
	assert.Equal(t, "Ward 6", cc.Encounter.Location)
	require.Len(t, cc.Encounter.Providers, 1)
	assert.Equal(t, "dr-who", cc.Encounter.Providers[0].ID)

	// Blood pressure components fan out to one vital per component.
	require.Len(t, cc.VitalSigns, 2)
	assert.Equal(t, "8480-6", cc.VitalSigns[0].Code)
	assert.Equal(t, "120", cc.VitalSigns[0].Value)
	assert.Equal(t, "mmHg", cc.VitalSigns[0].Unit)
	assert.Equal(t, "p1", cc.VitalSigns[0].PatientID)

	// One standalone lab plus the grouped diagnostic report.
	require.Len(t, cc.Labs, 2)

	require.Len(t, cc.ProblemList, 1)
	assert.Equal(t, "E11.9", cc.ProblemList[0].Code)
	assert.Equal(t, "active", cc.ProblemList[0].Status)
	require.Len(t, cc.Diagnoses, 1)
	assert.Equal(t, "J18.9", cc.Diagnoses[0].Code)
	assert.Equal(t, "e1", cc.Diagnoses[0].EncounterID)

	require.Len(t, cc.Allergies, 1)
	assert.Equal(t, "Penicillin", cc.Allergies[0].Substance)
	assert.Equal(t, "Hives", cc.Allergies[0].Reaction)
	assert.Equal(t, "moderate", cc.Allergies[0].Severity)

	require.Len(t, cc.Immunizations, 1)
	assert.Equal(t, "208", cc.Immunizations[0].VaccineCode)
	assert.Equal(t, "LOT42", cc.Immunizations[0].LotNumber)

	// Medication resolved through the contained resource.
	require.Len(t, cc.Medications, 1)
	assert.Equal(t, "197361", cc.Medications[0].Code)
	assert.Equal(t, "Lisinopril", cc.Medications[0].Name)
	assert.Equal(t, "10 mg daily", cc.Medications[0].Dose)
	assert.Equal(t, "oral", cc.Medications[0].Route)

	require.Len(t, cc.Orders, 1)
	assert.Equal(t, "dr-who", cc.Orders[0].ProviderID)

	require.Len(t, cc.Payors, 1)
	assert.Equal(t, "Acme Health", cc.Payors[0].Name)
	assert.Equal(t, "SUB99", cc.Payors[0].PolicyNumber)
	assert.Equal(t, "primary", cc.Payors[0].Priority)

	require.Len(t, cc.Claims, 1)
	assert.Equal(t, model.ClaimAccepted, cc.Claims[0].Status)
	assert.Equal(t, "professional", cc.Claims[0].ClaimType)
	assert.Equal(t, "125.5", cc.Claims[0].TotalCharged.String())
}

func TestDiagnosticReportResolvesForwardReferences(t *testing.T) {
	// The report entry precedes its result observations in the bundle.
	out := parseJSON(t, newTestParser(), sampleBundle)
	require.True(t, out.OK())

	cc := out.Content.(*model.ClinicalContent)
	var report *model.LabReport
	for i := range cc.Labs {
		if cc.Labs[i].ID == "dr1" {
			report = &cc.Labs[i]
		}
	}
	require.NotNil(t, report)
	assert.Equal(t, "CBC panel", report.Name)
	require.Len(t, report.Observations, 1)
	assert.Equal(t, "777-3", report.Observations[0].Code)
	assert.Equal(t, "250", report.Observations[0].Value)
}

func TestReferenceCycleCutOffWithWarning(t *testing.T) {
	cyclic := `{
  "resourceType": "Bundle", "id": "b-cycle",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "p1"}},
    {"resource": {"resourceType": "DiagnosticReport", "id": "dr1",
      "code": {"text": "panel"},
      "subject": {"reference": "Patient/p1"},
      "result": [{"reference": "Observation/a"}]}},
    {"resource": {"resourceType": "Observation", "id": "a",
      "code": {"coding": [{"code": "1"}]},
      "hasMember": [{"reference": "Observation/b"}]}},
    {"resource": {"resourceType": "Observation", "id": "b",
      "code": {"coding": [{"code": "2"}]},
      "hasMember": [{"reference": "Observation/a"}]}}
  ]
}`
	out := parseJSON(t, newTestParser(), cyclic)
	require.True(t, out.OK(), "a cyclic bundle must still produce a record")

	cc := out.Content.(*model.ClinicalContent)
	require.Len(t, cc.Labs, 1)
	assert.Len(t, cc.Labs[0].Observations, 2, "both members mapped before the cycle closed")

	require.NotEmpty(t, out.Warnings)
	assert.Equal(t, ingest.ReferenceCycleWarning, out.Warnings[0].Kind)
	assert.Contains(t, out.Warnings[0].Detail, "Observation/a")
}

func TestParseXMLBundle(t *testing.T) {
	payload := `<Bundle xmlns="http://hl7.org/fhir">
  <id value="b2"/>
  <entry>
    <resource>
      <Patient>
        <id value="p9"/>
        <gender value="male"/>
        <birthDate value="1975-06-15"/>
      </Patient>
    </resource>
  </entry>
</Bundle>`
	out := parseJSON(t, newTestParser(), payload)
	require.True(t, out.OK(), "outcome: %+v", out.Err)

	cc := out.Content.(*model.ClinicalContent)
	require.NotNil(t, cc.Patient)
	assert.Equal(t, "p9", cc.Patient.ID)
	assert.Equal(t, "male", cc.Patient.Gender)
	assert.Equal(t, 1975, cc.Patient.DOBYear)
}

func TestOver90PatientKeepsFlagOnly(t *testing.T) {
	payload := `{"resourceType": "Patient", "id": "p2", "birthDate": "1930-05-05"}`
	out := parseJSON(t, newTestParser(), payload)
	require.True(t, out.OK())

	cc := out.Content.(*model.ClinicalContent)
	require.NotNil(t, cc.Patient)
	assert.True(t, cc.Patient.Over90)
	assert.Zero(t, cc.Patient.DOBYear)
}

func TestMalformedBirthDateIsFieldIssue(t *testing.T) {
	payload := `{"resourceType": "Patient", "id": "p3", "birthDate": "unknown"}`
	out := parseJSON(t, newTestParser(), payload)
	require.True(t, out.OK(), "a bad field must not fail the record")
	require.Len(t, out.FieldIssues, 1)
	assert.Equal(t, "patient.dob", out.FieldIssues[0].Path)
}

func TestStructuralFailures(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty payload", "  "},
		{"invalid JSON", `{"resourceType": `},
		{"invalid XML", `<Bundle><unclosed></Bundle>`},
		{"missing resourceType", `{"id": "x"}`},
		{"unsupported single resource", `{"resourceType": "Device", "id": "d1"}`},
		{"bundle with no mappable entries", `{"resourceType": "Bundle", "entry": [
			{"resource": {"resourceType": "Device", "id": "d1"}}]}`},
	}
	p := newTestParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := parseJSON(t, p, tt.payload)
			require.False(t, out.OK())
			assert.Equal(t, ingest.StructuralError, out.Err.Kind)
		})
	}
}

func TestCorrelationDeterministic(t *testing.T) {
	a := parseJSON(t, New(Options{Salt: "s1", Now: fixedNow}), sampleBundle)
	b := parseJSON(t, New(Options{Salt: "s1", Now: fixedNow}), sampleBundle)
	c := parseJSON(t, New(Options{Salt: "s2", Now: fixedNow}), sampleBundle)
	require.True(t, a.OK() && b.OK() && c.OK())

	assert.Equal(t, a.Content.CorrelationID(), b.Content.CorrelationID())
	assert.NotEqual(t, a.Content.CorrelationID(), c.Content.CorrelationID())
}
