package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PulsePipe/pulsepipe/internal/model"
)

type fakeParser struct{ format string }

func (f *fakeParser) Format() string { return f.format }
func (f *fakeParser) Parse(_ context.Context, _ RawRecord) Outcome {
	return Outcome{Content: &model.ClinicalContent{Correlation: "x"}}
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry(&fakeParser{format: "hl7v2"}, &fakeParser{format: "x12"})

	p, err := r.Lookup("hl7v2")
	require.NoError(t, err)
	assert.Equal(t, "hl7v2", p.Format())

	_, err = r.Lookup("dicom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dicom")
	assert.Contains(t, err.Error(), "hl7v2")
}

func TestRegistry_Formats_Sorted(t *testing.T) {
	r := NewRegistry(&fakeParser{format: "x12"}, &fakeParser{format: "cda"}, &fakeParser{format: "fhir"})
	assert.Equal(t, []string{"cda", "fhir", "x12"}, r.Formats())
}

func TestOutcome_OK(t *testing.T) {
	ok := Outcome{Content: &model.ClinicalContent{}}
	assert.True(t, ok.OK())

	failed := Failure(StructuralError, "segment 0", "missing MSH header")
	assert.False(t, failed.OK())
	assert.Equal(t, StructuralError, failed.Err.Kind)
	assert.Contains(t, failed.Err.Error(), "segment 0")
}
