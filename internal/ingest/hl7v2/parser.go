package hl7v2

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PulsePipe/pulsepipe/internal/ingest"
	"github.com/PulsePipe/pulsepipe/internal/model"
)

// FormatTag is the configured tag that selects this parser.
const FormatTag = "hl7v2"

// Options configures the parser for one pipeline.
type Options struct {
	// Salt seeds the correlation hash derived from message and patient
	// identifiers.
	Salt string
}

// Parser maps HL7v2-style messages into ClinicalContent. The policy is
// wide-net: every recognized segment type is captured even when the message
// type would not require it, and unknown segment types are preserved as
// opaque pass-through notes.
type Parser struct {
	salt string
	log  *zap.Logger
}

// New constructs the segment-delimited parser.
func New(opts Options) *Parser {
	return &Parser{salt: opts.Salt, log: zap.L().Named("hl7v2")}
}

func (p *Parser) Format() string { return FormatTag }

// Split separates a payload carrying several messages on MSH boundaries.
// Batch files and interface dumps routinely concatenate messages; parsing
// them as one would merge patients across message boundaries.
func (p *Parser) Split(data []byte) [][]byte {
	var starts []int
	for i := 0; i+4 <= len(data); i++ {
		if data[i] != 'M' || !bytes.HasPrefix(data[i:], mshPrefix) {
			continue
		}
		if i == 0 || data[i-1] == '\r' || data[i-1] == '\n' {
			starts = append(starts, i)
		}
	}
	if len(starts) <= 1 {
		return [][]byte{data}
	}
	out := make([][]byte, 0, len(starts))
	for i, start := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		msg := bytes.TrimSpace(data[start:end])
		if len(msg) > 0 {
			out = append(out, msg)
		}
	}
	return out
}

var mshPrefix = []byte("MSH|")

// Parse produces exactly one Outcome for the record. A missing MSH or PID
// segment is a structural failure; a malformed field inside an otherwise
// well-formed message becomes a field-level issue on the partial record.
func (p *Parser) Parse(_ context.Context, rec ingest.RawRecord) ingest.Outcome {
	text := strings.TrimSpace(string(rec.Data))
	if text == "" {
		return ingest.Failure(ingest.StructuralError, rec.SourcePath, "empty HL7v2 payload")
	}

	msg, err := ParseMessage(text)
	if err != nil {
		return ingest.Failure(ingest.StructuralError, rec.SourcePath, "%v", err)
	}
	if msg.Segment("PID", 0) == nil {
		return ingest.Failure(ingest.StructuralError, "segment PID",
			"message is missing its mandatory patient-identification segment")
	}

	st := &mapState{}
	content := &model.ClinicalContent{}
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		if seg.ID == "MSH" {
			// Header context feeds the correlation hash below.
			continue
		}
		mapper, ok := segmentMappers[seg.ID]
		if !ok {
			// Unknown segment types ride along as opaque notes so no
			// structured data is silently dropped.
			content.Notes = append(content.Notes, model.Note{
				NoteType: "hl7v2-segment-" + seg.ID,
				Text:     seg.Raw,
			})
			continue
		}
		mapper(seg, content, st)
	}
	st.flushLab()

	controlID := msg.Get("MSH.10")
	sendingApp := msg.Get("MSH.3")
	patientID := ""
	if content.Patient != nil {
		patientID = content.Patient.ID
	}
	content.Correlation = model.CorrelationHash(p.salt, sendingApp, controlID, patientID)

	p.log.Debug("parsed message",
		zap.Int("segments", len(msg.Segments)),
		zap.Int("field_issues", len(st.issues)))

	return ingest.Outcome{Content: content, FieldIssues: st.issues}
}

// mapState carries cross-segment context while a message is mapped.
type mapState struct {
	issues     []ingest.FieldIssue
	currentLab *model.LabReport
	labOwner   *model.ClinicalContent
}

func (st *mapState) issue(seg *Segment, path, format string, args ...any) {
	st.issues = append(st.issues, ingest.FieldIssue{
		Kind:     ingest.FieldValueError,
		Path:     path,
		Detail:   fmt.Sprintf(format, args...),
		Location: fmt.Sprintf("segment %d (%s)", seg.Index, seg.ID),
	})
}

// flushLab attaches the in-progress lab report, if any.
func (st *mapState) flushLab() {
	if st.currentLab != nil && st.labOwner != nil {
		st.labOwner.Labs = append(st.labOwner.Labs, *st.currentLab)
	}
	st.currentLab = nil
	st.labOwner = nil
}

type segmentMapper func(seg *Segment, c *model.ClinicalContent, st *mapState)

var segmentMappers = map[string]segmentMapper{
	"PID": mapPID,
	"PV1": mapPV1,
	"OBR": mapOBR,
	"OBX": mapOBX,
	"AL1": mapAL1,
	"DG1": mapDG1,
	"IN1": mapIN1,
	"RXA": mapRXA,
	"NTE": mapNTE,
}

func mapPID(seg *Segment, c *model.ClinicalContent, st *mapState) {
	identifiers := map[string]string{}
	var primaryID string
	for r := 0; r < seg.Repetitions(3); r++ {
		idVal := seg.Rep(3, r, 1, 1)
		idType := seg.Rep(3, r, 5, 1)
		if idVal == "" {
			continue
		}
		if idType == "" {
			idType = "UNKNOWN"
		}
		identifiers[idType] = idVal
		if primaryID == "" {
			primaryID = idVal
		}
	}
	if v := identifiers["MR"]; v != "" {
		primaryID = v
	}

	info := &model.PatientInfo{
		ID:          primaryID,
		Gender:      seg.Component(8, 1),
		Language:    seg.Component(15, 1),
		Identifiers: identifiers,
	}

	// Name (PID-5): family^given.
	family := seg.Component(5, 1)
	given := seg.Component(5, 2)
	if family != "" || given != "" {
		info.Names = append(info.Names, strings.TrimSpace(given+" "+family))
	}

	// Birth date (PID-7).
	if dob := seg.Component(7, 1); dob != "" {
		t, err := parseTimestamp(dob)
		if err != nil {
			st.issue(seg, "patient.dob", "malformed birth date %q", dob)
		} else {
			info.DOBYear = t.Year()
			info.DOBMonth = int(t.Month())
			info.DOBDay = t.Day()
		}
	}

	// Address (PID-11): city, state, zip.
	geoParts := []string{seg.Component(11, 3), seg.Component(11, 4), seg.Component(11, 5)}
	var geo []string
	for _, g := range geoParts {
		if g != "" {
			geo = append(geo, g)
		}
	}
	info.GeographicArea = strings.Join(geo, ", ")

	c.Patient = info
}

func mapPV1(seg *Segment, c *model.ClinicalContent, st *mapState) {
	enc := &model.EncounterInfo{
		ID:            seg.Component(19, 1),
		EncounterType: seg.Component(2, 1),
		Location:      seg.Component(3, 1),
		VisitType:     seg.Component(18, 1),
	}
	if c.Patient != nil {
		enc.PatientID = c.Patient.ID
	}

	// Attending (PV1-7): id^family^given.
	if id := seg.Component(7, 1); id != "" {
		enc.Providers = append(enc.Providers, model.EncounterProvider{
			ID:       id,
			Name:     strings.TrimSpace(seg.Component(7, 3) + " " + seg.Component(7, 2)),
			TypeCode: "attending",
		})
	}

	if admit := seg.Component(44, 1); admit != "" {
		t, err := parseTimestamp(admit)
		if err != nil {
			st.issue(seg, "encounter.admit_date", "malformed admit timestamp %q", admit)
		} else {
			enc.AdmitDate = t.Format("2006-01-02")
		}
	}
	if discharge := seg.Component(45, 1); discharge != "" {
		t, err := parseTimestamp(discharge)
		if err != nil {
			st.issue(seg, "encounter.discharge_date", "malformed discharge timestamp %q", discharge)
		} else {
			enc.DischargeDate = t.Format("2006-01-02")
		}
	}
	c.Encounter = enc
}

func mapOBR(seg *Segment, c *model.ClinicalContent, st *mapState) {
	st.flushLab()
	lab := &model.LabReport{
		ID:   seg.Component(3, 1),
		Code: seg.Component(4, 1),
		Name: seg.Component(4, 2),
	}
	if c.Patient != nil {
		lab.PatientID = c.Patient.ID
	}
	if collected := seg.Component(7, 1); collected != "" {
		t, err := parseTimestamp(collected)
		if err != nil {
			st.issue(seg, "labs.collected_at", "malformed collection timestamp %q", collected)
		} else {
			lab.CollectedAt = t.Format(time.RFC3339)
		}
	}
	st.currentLab = lab
	st.labOwner = c
}

// vitalSignCodes are LOINC codes routinely reported as vitals; OBX results
// carrying them land in vital_signs instead of the active lab report.
var vitalSignCodes = map[string]bool{
	"8867-4":  true, // heart rate
	"9279-1":  true, // respiratory rate
	"8480-6":  true, // systolic BP
	"8462-4":  true, // diastolic BP
	"8310-5":  true, // body temperature
	"2708-6":  true, // oxygen saturation
	"29463-7": true, // body weight
	"8302-2":  true, // body height
}

func mapOBX(seg *Segment, c *model.ClinicalContent, st *mapState) {
	code := seg.Component(3, 1)
	name := seg.Component(3, 2)
	value := seg.Field(5)
	unit := seg.Component(6, 1)

	if vitalSignCodes[code] {
		vs := model.VitalSign{Code: code, Display: name, Value: value, Unit: unit}
		if ts := seg.Component(14, 1); ts != "" {
			t, err := parseTimestamp(ts)
			if err != nil {
				st.issue(seg, "vital_signs.timestamp", "malformed observation timestamp %q", ts)
			} else {
				vs.Timestamp = t.Format(time.RFC3339)
			}
		}
		if c.Patient != nil {
			vs.PatientID = c.Patient.ID
		}
		c.VitalSigns = append(c.VitalSigns, vs)
		return
	}

	obs := model.LabObservation{
		Code:           code,
		Name:           name,
		Value:          value,
		Unit:           unit,
		ReferenceRange: seg.Component(7, 1),
		AbnormalFlag:   seg.Component(8, 1),
	}
	if ts := seg.Component(14, 1); ts != "" {
		t, err := parseTimestamp(ts)
		if err != nil {
			st.issue(seg, "labs.observations.timestamp", "malformed observation timestamp %q", ts)
		} else {
			obs.Timestamp = t.Format(time.RFC3339)
		}
	}

	if st.currentLab == nil {
		// OBX outside an order context still gets captured.
		st.currentLab = &model.LabReport{Name: "unsolicited results"}
		st.labOwner = c
		if c.Patient != nil {
			st.currentLab.PatientID = c.Patient.ID
		}
	}
	st.currentLab.Observations = append(st.currentLab.Observations, obs)
}

func mapAL1(seg *Segment, c *model.ClinicalContent, _ *mapState) {
	a := model.Allergy{
		Code:      seg.Component(3, 1),
		Substance: seg.Component(3, 2),
		Severity:  seg.Component(4, 1),
		Reaction:  seg.Component(5, 1),
	}
	if a.Substance == "" {
		a.Substance = a.Code
	}
	if c.Patient != nil {
		a.PatientID = c.Patient.ID
	}
	c.Allergies = append(c.Allergies, a)
}

func mapDG1(seg *Segment, c *model.ClinicalContent, st *mapState) {
	d := model.Diagnosis{
		Code:         seg.Component(3, 1),
		Description:  seg.Component(3, 2),
		CodingMethod: seg.Component(3, 3),
		Type:         seg.Component(6, 1),
	}
	if d.CodingMethod == "" {
		d.CodingMethod = seg.Component(2, 1)
	}
	if d.Description == "" {
		d.Description = seg.Component(4, 1)
	}
	if onset := seg.Component(5, 1); onset != "" {
		t, err := parseTimestamp(onset)
		if err != nil {
			st.issue(seg, "diagnoses.onset_date", "malformed diagnosis date %q", onset)
		} else {
			d.OnsetDate = t.Format("2006-01-02")
		}
	}
	if c.Patient != nil {
		d.PatientID = c.Patient.ID
	}
	if c.Encounter != nil {
		d.EncounterID = c.Encounter.ID
	}
	c.Diagnoses = append(c.Diagnoses, d)
}

func mapIN1(seg *Segment, c *model.ClinicalContent, _ *mapState) {
	p := model.Payor{
		PlanID:       seg.Component(2, 1),
		Name:         seg.Component(4, 1),
		PolicyNumber: seg.Component(36, 1),
	}
	switch seg.Component(1, 1) {
	case "1":
		p.Priority = "primary"
	case "2":
		p.Priority = "secondary"
	}
	c.Payors = append(c.Payors, p)
}

func mapRXA(seg *Segment, c *model.ClinicalContent, st *mapState) {
	imm := model.Immunization{
		VaccineCode: seg.Component(5, 1),
		Description: seg.Component(5, 2),
		LotNumber:   seg.Component(15, 1),
		Status:      "completed",
	}
	if given := seg.Component(3, 1); given != "" {
		t, err := parseTimestamp(given)
		if err != nil {
			st.issue(seg, "immunizations.date_given", "malformed administration date %q", given)
		} else {
			imm.DateGiven = t.Format("2006-01-02")
		}
	}
	if c.Patient != nil {
		imm.PatientID = c.Patient.ID
	}
	c.Immunizations = append(c.Immunizations, imm)
}

func mapNTE(seg *Segment, c *model.ClinicalContent, st *mapState) {
	text := seg.Field(3)
	if text == "" {
		return
	}
	if st.currentLab != nil {
		st.currentLab.Narrative = strings.TrimSpace(st.currentLab.Narrative + "\n" + text)
		return
	}
	c.Notes = append(c.Notes, model.Note{NoteType: "comment", Text: text})
}

// parseTimestamp handles the HL7 TS formats commonly seen in the wild:
// YYYYMMDD, YYYYMMDDHHMM, YYYYMMDDHHMMSS, optionally with a timezone
// offset suffix.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	// Strip timezone offset (+ZZZZ / -ZZZZ) and fractional seconds.
	if i := strings.IndexAny(s, "+-"); i > 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	layouts := map[int]string{
		4:  "2006",
		6:  "200601",
		8:  "20060102",
		12: "200601021504",
		14: "20060102150405",
	}
	layout, ok := layouts[len(s)]
	if !ok {
		return time.Time{}, fmt.Errorf("unsupported timestamp length %d", len(s))
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return time.Time{}, fmt.Errorf("non-numeric timestamp")
	}
	return time.Parse(layout, s)
}
