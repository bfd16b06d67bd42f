package hl7v2

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PulsePipe/pulsepipe/internal/ingest"
	"github.com/PulsePipe/pulsepipe/internal/model"
)

const sampleADT = "MSH|^~\\&|EPIC|UCSF|RECEIVER|FAC|20240115103000||ADT^A01|MSG00001|P|2.5\r" +
	"PID|1||MRN12345^^^UCSF^MR~999-12-3456^^^SSA^SS||DOE^JANE^Q||19470312|F|||123 MAIN ST^^SAN FRANCISCO^CA^94117||415-555-1234|||ENG\r" +
	"PV1|1|I|6N^612^A||||1234^SMITH^JOHN|||||||||||AMB|V100123|||||||||||||||||||||||||20240115093000|20240118120000\r" +
	"AL1|1|DA|70618^PENICILLIN|SV|HIVES\r" +
	"DG1|1|I10|E11.9^Type 2 diabetes^I10||20230601|F\r" +
	"IN1|1|PLAN01|BCBS001|BLUE CROSS||||||||||||||||||||||||||||||||POL99887\r"

const sampleORU = "MSH|^~\\&|LAB|UCSF|EHR|FAC|20240116080000||ORU^R01|MSG00002|P|2.5\r" +
	"PID|1||MRN12345^^^UCSF^MR||DOE^JANE||19470312|F\r" +
	"OBR|1|ORD100|FIL200|24323-8^Comprehensive metabolic panel|||20240116073000\r" +
	"OBX|1|NM|2345-7^Glucose||182|mg/dL|70-99|H|||F|||20240116073000\r" +
	"OBX|2|NM|2160-0^Creatinine||1.1|mg/dL|0.6-1.2|N|||F|||20240116073000\r" +
	"NTE|1||Fasting specimen.\r" +
	"OBX|3|NM|8867-4^Heart rate||88|/min||N|||F|||20240116073000\r" +
	"ZZT|1|custom site data\r"

func parse(t *testing.T, payload string) ingest.Outcome {
	t.Helper()
	p := New(Options{Salt: "test-salt"})
	return p.Parse(context.Background(), ingest.RawRecord{Data: []byte(payload), Format: FormatTag})
}

func TestSplitSeparatesConcatenatedMessages(t *testing.T) {
	first := "MSH|^~\\&|EPIC|UCSF|RECEIVER|FAC|20240115103000||ADT^A01|MSGA|P|2.5\r" +
		"PID|1||MRN111^^^UCSF^MR||ALPHA^ANN||19700101|F\r" +
		"DG1|1|I10|I10^Essential hypertension^I10\r"
	second := "MSH|^~\\&|EPIC|UCSF|RECEIVER|FAC|20240115104500||ADT^A01|MSGB|P|2.5\r" +
		"PID|1||MRN222^^^UCSF^MR||BETA^BOB||19800202|M\r" +
		"DG1|1|I10|E11.9^Type 2 diabetes^I10\r"

	p := New(Options{Salt: "test-salt"})
	parts := p.Split([]byte(first + second))
	require.Len(t, parts, 2)

	// Each message keeps its own patient and diagnoses; a batch payload
	// must never attach one patient's diagnoses to another.
	outA := p.Parse(context.Background(), ingest.RawRecord{Data: parts[0], Format: FormatTag})
	require.True(t, outA.OK())
	ca := outA.Content.(*model.ClinicalContent)
	assert.Equal(t, "MRN111", ca.Patient.ID)
	require.Len(t, ca.Diagnoses, 1)
	assert.Equal(t, "I10", ca.Diagnoses[0].Code)

	outB := p.Parse(context.Background(), ingest.RawRecord{Data: parts[1], Format: FormatTag})
	require.True(t, outB.OK())
	cb := outB.Content.(*model.ClinicalContent)
	assert.Equal(t, "MRN222", cb.Patient.ID)
	require.Len(t, cb.Diagnoses, 1)
	assert.Equal(t, "E11.9", cb.Diagnoses[0].Code)

	assert.NotEqual(t, ca.Correlation, cb.Correlation)

	single := p.Split([]byte(first))
	require.Len(t, single, 1)
}

func TestParse_ADT_MapsDemographics(t *testing.T) {
	out := parse(t, sampleADT)
	require.True(t, out.OK(), "outcome: %+v", out.Err)
	c := out.Content.(*model.ClinicalContent)

	require.NotNil(t, c.Patient)
	assert.Equal(t, "MRN12345", c.Patient.ID)
	assert.Equal(t, "MRN12345", c.Patient.Identifiers["MR"])
	assert.Equal(t, "999-12-3456", c.Patient.Identifiers["SS"])
	assert.Equal(t, 1947, c.Patient.DOBYear)
	assert.Equal(t, "F", c.Patient.Gender)
	assert.Equal(t, "SAN FRANCISCO, CA, 94117", c.Patient.GeographicArea)
	assert.Equal(t, []string{"JANE DOE"}, c.Patient.Names)

	require.NotNil(t, c.Encounter)
	assert.Equal(t, "V100123", c.Encounter.ID)
	assert.Equal(t, "2024-01-15", c.Encounter.AdmitDate)
	assert.Equal(t, "2024-01-18", c.Encounter.DischargeDate)
	require.Len(t, c.Encounter.Providers, 1)
	assert.Equal(t, "JOHN SMITH", c.Encounter.Providers[0].Name)

	require.Len(t, c.Allergies, 1)
	assert.Equal(t, "PENICILLIN", c.Allergies[0].Substance)
	assert.Equal(t, "HIVES", c.Allergies[0].Reaction)

	require.Len(t, c.Diagnoses, 1)
	assert.Equal(t, "E11.9", c.Diagnoses[0].Code)
	assert.Equal(t, "2023-06-01", c.Diagnoses[0].OnsetDate)

	require.Len(t, c.Payors, 1)
	assert.Equal(t, "BLUE CROSS", c.Payors[0].Name)
	assert.Equal(t, "primary", c.Payors[0].Priority)

	assert.NotEmpty(t, c.Correlation)
}

func TestParse_ORU_GroupsObservationsUnderOrder(t *testing.T) {
	out := parse(t, sampleORU)
	require.True(t, out.OK())
	c := out.Content.(*model.ClinicalContent)

	require.Len(t, c.Labs, 1)
	lab := c.Labs[0]
	assert.Equal(t, "24323-8", lab.Code)
	require.Len(t, lab.Observations, 2)
	assert.Equal(t, "Glucose", lab.Observations[0].Name)
	assert.Equal(t, "182", lab.Observations[0].Value)
	assert.Equal(t, "H", lab.Observations[0].AbnormalFlag)
	assert.Contains(t, lab.Narrative, "Fasting specimen.")

	// Heart rate routes to vital signs, not the lab report.
	require.Len(t, c.VitalSigns, 1)
	assert.Equal(t, "8867-4", c.VitalSigns[0].Code)
	assert.Equal(t, "88", c.VitalSigns[0].Value)
}

func TestParse_UnknownSegmentPreservedAsNote(t *testing.T) {
	out := parse(t, sampleORU)
	require.True(t, out.OK())
	c := out.Content.(*model.ClinicalContent)

	var found bool
	for _, n := range c.Notes {
		if n.NoteType == "hl7v2-segment-ZZT" && strings.Contains(n.Text, "custom site data") {
			found = true
		}
	}
	assert.True(t, found, "ZZT segment should be preserved as a pass-through note")
}

func TestParse_MissingPID_IsStructuralError(t *testing.T) {
	payload := "MSH|^~\\&|EPIC|UCSF|R|F|20240115103000||ADT^A01|MSG1|P|2.5\r" +
		"PV1|1|I|6N\r"
	out := parse(t, payload)
	require.False(t, out.OK())
	assert.Equal(t, ingest.StructuralError, out.Err.Kind)
	assert.Contains(t, out.Err.Error(), "patient-identification")
	assert.Nil(t, out.Content, "no canonical sub-records may be emitted on structural failure")
}

func TestParse_MissingMSH_IsStructuralError(t *testing.T) {
	out := parse(t, "PID|1||MRN1\r")
	require.False(t, out.OK())
	assert.Equal(t, ingest.StructuralError, out.Err.Kind)
}

func TestParse_EmptyPayload_IsStructuralError(t *testing.T) {
	out := parse(t, "   \n ")
	require.False(t, out.OK())
	assert.Equal(t, ingest.StructuralError, out.Err.Kind)
}

func TestParse_MalformedDOB_IsFieldIssueNotFailure(t *testing.T) {
	payload := "MSH|^~\\&|EPIC|UCSF|R|F|20240115103000||ADT^A01|MSG1|P|2.5\r" +
		"PID|1||MRN12345^^^UCSF^MR||DOE^JANE||NOTADATE|F\r"
	out := parse(t, payload)
	require.True(t, out.OK(), "partial ingestion must salvage the record")
	c := out.Content.(*model.ClinicalContent)
	assert.Equal(t, 0, c.Patient.DOBYear)

	require.Len(t, out.FieldIssues, 1)
	assert.Equal(t, ingest.FieldValueError, out.FieldIssues[0].Kind)
	assert.Equal(t, "patient.dob", out.FieldIssues[0].Path)
	assert.Contains(t, out.FieldIssues[0].Location, "PID")
}

func TestParse_DeterministicCorrelation(t *testing.T) {
	a := parse(t, sampleADT)
	b := parse(t, sampleADT)
	require.True(t, a.OK() && b.OK())
	assert.Equal(t, a.Content.CorrelationID(), b.Content.CorrelationID())
}

func TestMessage_Accessors(t *testing.T) {
	m, err := ParseMessage(sampleADT)
	require.NoError(t, err)

	assert.Equal(t, "MSG00001", m.Get("MSH.10"))
	assert.Equal(t, "EPIC", m.Get("MSH.3"))
	assert.Equal(t, "DOE", m.Get("PID.5.1"))
	assert.Equal(t, "JANE", m.Get("PID.5.2"))
	assert.Equal(t, "", m.Get("ZZZ.1"))

	pid := m.Segment("PID", 0)
	require.NotNil(t, pid)
	assert.Equal(t, 2, pid.Repetitions(3))
	assert.Equal(t, "999-12-3456", pid.Rep(3, 1, 1, 1))
	assert.Equal(t, "SS", pid.Rep(3, 1, 5, 1))
}

func TestMessage_CustomDelimiters(t *testing.T) {
	// Field separator # and component separator $.
	m, err := ParseMessage("MSH#$~\\&#APP#FAC#R#F#20240101##ADT$A01#ID1#P#2.5\rPID#1##MRN9$$$X$MR")
	require.NoError(t, err)
	assert.Equal(t, "ID1", m.Get("MSH.10"))
	assert.Equal(t, "MRN9", m.Get("PID.3.1"))
}
