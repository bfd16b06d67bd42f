// Package cda parses markup clinical documents (CCD and friends) into the
// canonical clinical model. The header supplies patient and encounter; the
// structured body is dispatched section by section on templateId, and
// sections without a known template keep their narrative as a note instead
// of being dropped.
package cda

import (
	"context"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PulsePipe/pulsepipe/internal/ingest"
	"github.com/PulsePipe/pulsepipe/internal/model"
)

// FormatTag is the configured tag that selects this parser.
const FormatTag = "cda"

// Section template roots dispatched to structured mappers.
const (
	tplAllergies     = "2.16.840.1.113883.10.20.22.2.6.1"
	tplMedications   = "2.16.840.1.113883.10.20.22.2.1.1"
	tplProblems      = "2.16.840.1.113883.10.20.22.2.5.1"
	tplProcedures    = "2.16.840.1.113883.10.20.22.2.7.1"
	tplVitalSigns    = "2.16.840.1.113883.10.20.22.2.4.1"
	tplImmunizations = "2.16.840.1.113883.10.20.22.2.2.1"
	tplResults       = "2.16.840.1.113883.10.20.22.2.3.1"
)

// Options configures the parser for one pipeline.
type Options struct {
	Salt string
	Now  func() time.Time // age computation; nil uses time.Now
}

// Parser maps clinical documents into ClinicalContent.
type Parser struct {
	salt string
	now  func() time.Time
	log  *zap.Logger
}

// New constructs the clinical-document parser.
func New(opts Options) *Parser {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Parser{salt: opts.Salt, now: now, log: zap.L().Named("cda")}
}

func (p *Parser) Format() string { return FormatTag }

// Parse produces exactly one Outcome for the record. The document header
// must carry a patient; a malformed individual section entry degrades to a
// field issue on a partial record.
func (p *Parser) Parse(_ context.Context, rec ingest.RawRecord) ingest.Outcome {
	data := strings.TrimSpace(string(rec.Data))
	if data == "" {
		return ingest.Failure(ingest.StructuralError, rec.SourcePath, "empty document")
	}

	var root element
	if err := xml.Unmarshal([]byte(data), &root); err != nil {
		return ingest.Failure(ingest.StructuralError, rec.SourcePath, "malformed XML: %v", err)
	}
	if root.XMLName.Local != "ClinicalDocument" {
		return ingest.Failure(ingest.StructuralError, rec.SourcePath,
			"root element is %q, expected ClinicalDocument", root.XMLName.Local)
	}

	patientRole := root.find("recordTarget", "patientRole")
	if patientRole == nil {
		return ingest.Failure(ingest.StructuralError, rec.SourcePath,
			"document has no recordTarget, mandatory patient missing")
	}

	st := &docState{now: p.now}
	content := &model.ClinicalContent{}
	content.Patient = st.mapPatient(patientRole)

	if enc := root.find("componentOf", "encompassingEncounter"); enc != nil {
		content.Encounter = st.mapEncounter(enc, content.Patient.ID)
	}

	if body := root.find("component", "structuredBody"); body != nil {
		for _, comp := range body.findAll("component") {
			for _, section := range comp.findAll("section") {
				st.mapSection(section, content)
			}
		}
	}

	docID := root.find("id")
	content.Correlation = model.CorrelationHash(p.salt,
		docID.attr("root"), docID.attr("extension"), content.Patient.ID)

	p.log.Debug("parsed clinical document",
		zap.String("summary", content.Summary()))

	return ingest.Outcome{Content: content, FieldIssues: st.issues}
}

// docState accumulates field issues while the document is mapped.
type docState struct {
	now    func() time.Time
	issues []ingest.FieldIssue
}

func (st *docState) issue(path, detail string) {
	st.issues = append(st.issues, ingest.FieldIssue{
		Kind: ingest.FieldValueError, Path: path, Detail: detail,
	})
}

func (st *docState) mapPatient(role *element) *model.PatientInfo {
	patient := &model.PatientInfo{}

	identifiers := map[string]string{}
	for _, id := range role.findAll("id") {
		if ext := id.attr("extension"); ext != "" {
			identifiers[id.attr("root")] = ext
			if patient.ID == "" {
				patient.ID = ext
			}
		}
	}
	if len(identifiers) > 0 {
		patient.Identifiers = identifiers
	}

	person := role.find("patient")
	patient.Gender = person.find("administrativeGenderCode").attr("code")

	if name := person.find("name"); name != nil {
		var parts []string
		for _, given := range name.findAll("given") {
			parts = append(parts, given.text())
		}
		for _, family := range name.findAll("family") {
			parts = append(parts, family.text())
		}
		if joined := strings.TrimSpace(strings.Join(parts, " ")); joined != "" {
			patient.Names = []string{joined}
		}
	}

	if birth := person.find("birthTime").attr("value"); birth != "" {
		if len(birth) < 4 {
			st.issue("patient.dob", "birthTime value too short: "+strconv.Quote(birth))
		} else if year, err := strconv.Atoi(birth[:4]); err != nil {
			st.issue("patient.dob", "malformed birthTime "+strconv.Quote(birth))
		} else if st.now().Year()-year >= 90 {
			patient.Over90 = true
		} else {
			patient.DOBYear = year
		}
	}

	if addr := role.find("addr"); addr != nil {
		var parts []string
		for _, name := range []string{"city", "state", "postalCode"} {
			if v := addr.find(name).text(); v != "" {
				parts = append(parts, v)
			}
		}
		patient.GeographicArea = strings.Join(parts, ", ")
	}

	if lang := person.find("languageCommunication", "languageCode").attr("code"); lang != "" {
		patient.Language = lang
	}

	return patient
}

func (st *docState) mapEncounter(enc *element, patientID string) *model.EncounterInfo {
	out := &model.EncounterInfo{PatientID: patientID}

	if id := enc.find("id"); id != nil {
		out.ID = id.attr("extension")
		if out.ID == "" {
			out.ID = id.attr("root")
		}
	}
	if code := enc.find("code"); code != nil {
		out.EncounterType = code.attr("displayName")
		if out.EncounterType == "" {
			out.EncounterType = code.attr("code")
		}
	}
	if period := enc.find("effectiveTime"); period != nil {
		out.AdmitDate = period.find("low").attr("value")
		out.DischargeDate = period.find("high").attr("value")
		if out.AdmitDate == "" {
			out.AdmitDate = period.attr("value")
		}
	}
	if facility := enc.find("location", "healthCareFacility"); facility != nil {
		out.Location = facility.find("location", "name").text()
		if out.Location == "" {
			out.Location = facility.find("code").attr("displayName")
		}
	}
	if entity := enc.find("responsibleParty", "assignedEntity"); entity != nil {
		provider := model.EncounterProvider{
			ID:       entity.find("id").attr("extension"),
			TypeCode: "attending",
		}
		if name := entity.find("assignedPerson", "name"); name != nil {
			var parts []string
			for _, el := range name.findAll("given") {
				parts = append(parts, el.text())
			}
			for _, el := range name.findAll("family") {
				parts = append(parts, el.text())
			}
			provider.Name = strings.TrimSpace(strings.Join(parts, " "))
		}
		out.Providers = append(out.Providers, provider)
	}
	return out
}

// mapSection dispatches one body section to its template mapper. Sections
// with no recognized template keep their narrative as a note.
func (st *docState) mapSection(section *element, content *model.ClinicalContent) {
	templateID := section.find("templateId").attr("root")
	switch templateID {
	case tplAllergies:
		st.mapAllergies(section, content)
	case tplMedications:
		st.mapMedications(section, content)
	case tplProblems:
		st.mapProblems(section, content)
	case tplProcedures:
		st.mapProcedures(section, content)
	case tplVitalSigns:
		st.mapVitalSigns(section, content)
	case tplImmunizations:
		st.mapImmunizations(section, content)
	case tplResults:
		st.mapResults(section, content)
	default:
		noteType := section.find("title").text()
		if noteType == "" {
			noteType = templateID
		}
		if noteType == "" {
			noteType = "unclassified-section"
		}
		content.Notes = append(content.Notes, model.Note{
			NoteType: noteType,
			Text:     section.find("text").narrative(),
		})
	}
}
