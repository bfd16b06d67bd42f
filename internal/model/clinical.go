package model

import (
	"fmt"
	"strings"
)

// PatientInfo holds the demographics retained after Safe-Harbor processing.
// Date of birth is reduced to a year, patients at or past the age threshold
// carry only the Over90 flag, and geography is generalized before the record
// leaves the de-identification stage.
type PatientInfo struct {
	ID             string            `json:"id,omitempty"`
	DOBYear        int               `json:"dob_year,omitempty"`
	DOBMonth       int               `json:"dob_month,omitempty"` // cleared unless keep_year is configured finer
	DOBDay         int               `json:"dob_day,omitempty"`
	Over90         bool              `json:"over_90,omitempty"`
	Gender         string            `json:"gender,omitempty"`
	GeographicArea string            `json:"geographic_area,omitempty"`
	Identifiers    map[string]string `json:"identifiers,omitempty"` // keyed by assigning-authority type (MR, SS, ...)
	Language       string            `json:"language,omitempty"`
	Names          []string          `json:"names,omitempty"` // raw until de-identification, then empty
}

// EncounterProvider is a provider involved in an encounter.
type EncounterProvider struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	TypeCode  string `json:"type_code,omitempty"`
	Specialty string `json:"specialty,omitempty"`
}

// EncounterInfo describes an admission, visit, or other clinical encounter.
type EncounterInfo struct {
	ID            string              `json:"id,omitempty"`
	PatientID     string              `json:"patient_id,omitempty"`
	AdmitDate     string              `json:"admit_date,omitempty"`
	DischargeDate string              `json:"discharge_date,omitempty"`
	EncounterType string              `json:"encounter_type,omitempty"`
	VisitType     string              `json:"visit_type,omitempty"`
	Location      string              `json:"location,omitempty"`
	ReasonCode    string              `json:"reason_code,omitempty"`
	Providers     []EncounterProvider `json:"providers,omitempty"`
}

// VitalSign is a single measured vital.
type VitalSign struct {
	Code        string  `json:"code,omitempty"`
	Display     string  `json:"display,omitempty"`
	Value       string  `json:"value,omitempty"`
	Unit        string  `json:"unit,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
	PatientID   string  `json:"patient_id,omitempty"`
	EncounterID string  `json:"encounter_id,omitempty"`
	Abnormal    bool    `json:"abnormal,omitempty"`
	RefLow      float64 `json:"ref_low,omitempty"`
	RefHigh     float64 `json:"ref_high,omitempty"`
}

// Allergy records an allergy or intolerance.
type Allergy struct {
	Substance string `json:"substance,omitempty"`
	Code      string `json:"code,omitempty"`
	Reaction  string `json:"reaction,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Status    string `json:"status,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
}

// Immunization records an administered vaccine.
type Immunization struct {
	VaccineCode string `json:"vaccine_code,omitempty"`
	Description string `json:"description,omitempty"`
	DateGiven   string `json:"date_given,omitempty"`
	Status      string `json:"status,omitempty"`
	LotNumber   string `json:"lot_number,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
}

// Diagnosis is a coded diagnosis attached to an encounter.
type Diagnosis struct {
	Code         string `json:"code,omitempty"`
	CodingMethod string `json:"coding_method,omitempty"`
	Description  string `json:"description,omitempty"`
	Type         string `json:"type,omitempty"` // admitting, working, final
	OnsetDate    string `json:"onset_date,omitempty"`
	PatientID    string `json:"patient_id,omitempty"`
	EncounterID  string `json:"encounter_id,omitempty"`
}

// Problem is an entry on the longitudinal problem list.
type Problem struct {
	Code         string `json:"code,omitempty"`
	CodingMethod string `json:"coding_method,omitempty"`
	Description  string `json:"description,omitempty"`
	Status       string `json:"status,omitempty"`
	OnsetDate    string `json:"onset_date,omitempty"`
	PatientID    string `json:"patient_id,omitempty"`
}

// Procedure records a performed procedure.
type Procedure struct {
	Code         string `json:"code,omitempty"`
	CodingMethod string `json:"coding_method,omitempty"`
	Description  string `json:"description,omitempty"`
	PerformedAt  string `json:"performed_at,omitempty"`
	Status       string `json:"status,omitempty"`
	ProviderID   string `json:"provider_id,omitempty"`
	PatientID    string `json:"patient_id,omitempty"`
	EncounterID  string `json:"encounter_id,omitempty"`
}

// Medication records an ordered or administered medication.
type Medication struct {
	Code        string `json:"code,omitempty"`
	Name        string `json:"name,omitempty"`
	Dose        string `json:"dose,omitempty"`
	Route       string `json:"route,omitempty"`
	Frequency   string `json:"frequency,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
	Status      string `json:"status,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
	EncounterID string `json:"encounter_id,omitempty"`
}

// Payor identifies an insurance plan covering the patient.
type Payor struct {
	Name         string `json:"name,omitempty"`
	PlanID       string `json:"plan_id,omitempty"`
	PolicyNumber string `json:"policy_number,omitempty"`
	Priority     string `json:"priority,omitempty"` // primary, secondary
}

// Note is narrative text attached to the record. Unrecognized structural
// elements are preserved here rather than dropped, per the wide-net policy.
type Note struct {
	NoteType    string `json:"note_type,omitempty"`
	Text        string `json:"text,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	Author      string `json:"author,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
	EncounterID string `json:"encounter_id,omitempty"`
}

// ImagingReport is a diagnostic imaging result.
type ImagingReport struct {
	ID          string `json:"id,omitempty"`
	Code        string `json:"code,omitempty"`
	Modality    string `json:"modality,omitempty"`
	Narrative   string `json:"narrative,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
	EncounterID string `json:"encounter_id,omitempty"`
}

// LabObservation is one analyte result within a lab report.
type LabObservation struct {
	Code           string `json:"code,omitempty"`
	Name           string `json:"name,omitempty"`
	Value          string `json:"value,omitempty"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
	AbnormalFlag   string `json:"abnormal_flag,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// LabReport groups lab observations under one order.
type LabReport struct {
	ID           string           `json:"id,omitempty"`
	Code         string           `json:"code,omitempty"`
	Name         string           `json:"name,omitempty"`
	CollectedAt  string           `json:"collected_at,omitempty"`
	ReportedAt   string           `json:"reported_at,omitempty"`
	Observations []LabObservation `json:"observations,omitempty"`
	Narrative    string           `json:"narrative,omitempty"`
	PatientID    string           `json:"patient_id,omitempty"`
	EncounterID  string           `json:"encounter_id,omitempty"`
}

// Order is a clinical order (service request).
type Order struct {
	ID          string `json:"id,omitempty"`
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
	OrderedAt   string `json:"ordered_at,omitempty"`
	Status      string `json:"status,omitempty"`
	ProviderID  string `json:"provider_id,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
}

// ClinicalContent is the canonical clinical schema. All clinical source
// formats (segment-delimited messages, structured-document bundles, markup
// clinical documents) map into this container.
type ClinicalContent struct {
	Correlation string `json:"correlation_id,omitempty"`

	Patient   *PatientInfo   `json:"patient,omitempty"`
	Encounter *EncounterInfo `json:"encounter,omitempty"`

	VitalSigns    []VitalSign     `json:"vital_signs,omitempty"`
	Allergies     []Allergy       `json:"allergies,omitempty"`
	Immunizations []Immunization  `json:"immunizations,omitempty"`
	Diagnoses     []Diagnosis     `json:"diagnoses,omitempty"`
	ProblemList   []Problem       `json:"problem_list,omitempty"`
	Procedures    []Procedure     `json:"procedures,omitempty"`
	Medications   []Medication    `json:"medications,omitempty"`
	Payors        []Payor         `json:"payors,omitempty"`
	Notes         []Note          `json:"notes,omitempty"`
	Imaging       []ImagingReport `json:"imaging,omitempty"`
	Labs          []LabReport     `json:"labs,omitempty"`
	Orders        []Order         `json:"orders,omitempty"`
	Claims        []Claim         `json:"claims,omitempty"`

	// Deidentified is set by the de-identification stage once the record
	// has passed its closing audit.
	Deidentified bool `json:"deidentified,omitempty"`
}

func (c *ClinicalContent) Kind() ContentKind     { return KindClinical }
func (c *ClinicalContent) CorrelationID() string { return c.Correlation }

// Summary renders counts of populated sections, never identifier values.
func (c *ClinicalContent) Summary() string {
	var parts []string
	if c.Patient != nil {
		parts = append(parts, "patient")
	}
	if c.Encounter != nil {
		parts = append(parts, "encounter")
	}
	add := func(name string, n int) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, name))
		}
	}
	add("vital signs", len(c.VitalSigns))
	add("allergies", len(c.Allergies))
	add("immunizations", len(c.Immunizations))
	add("diagnoses", len(c.Diagnoses))
	add("problems", len(c.ProblemList))
	add("procedures", len(c.Procedures))
	add("medications", len(c.Medications))
	add("payors", len(c.Payors))
	add("notes", len(c.Notes))
	add("imaging reports", len(c.Imaging))
	add("lab reports", len(c.Labs))
	add("orders", len(c.Orders))
	add("claims", len(c.Claims))
	if len(parts) == 0 {
		return "empty clinical record"
	}
	return strings.Join(parts, ", ")
}
