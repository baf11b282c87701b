package quantum

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawRef(obsType, reason string) DatasetRef {
	return DatasetRef{
		ID:          "r1",
		DatasetType: "raw",
		DataID:      DataID{Instrument: "LSSTCam", Exposure: 2025061200001}.WithDetector(94),
		Exposure: &ExposureRecord{
			Instrument:        "LSSTCam",
			ID:                2025061200001,
			ObservationType:   obsType,
			ObservationReason: reason,
		},
	}
}

func TestPolicyEmptyAdmitsEverything(t *testing.T) {
	for _, obsType := range []string{"flat", "bias", "science", ""} {
		ok, reason, err := Policy{}.Evaluate(rawRef(obsType, "whatever"))
		require.NoError(t, err)
		assert.True(t, ok, obsType)
		assert.Empty(t, reason)
	}

	ok, _, err := Policy{}.Evaluate(DatasetRef{DatasetType: "raw"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPolicyExposureTypeCaseInsensitive(t *testing.T) {
	p := Policy{ExpectedExposureType: "flat"}
	for _, obsType := range []string{"flat", "FLAT", "Flat"} {
		ok, _, err := p.Evaluate(rawRef(obsType, ""))
		require.NoError(t, err)
		assert.True(t, ok, obsType)
	}

	ok, reason, err := p.Evaluate(rawRef("bias", ""))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, `"bias"`)

	ok, _, err = Policy{ExpectedExposureType: "FLAT"}.Evaluate(rawRef("flat", ""))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPolicyCombined(t *testing.T) {
	p := Policy{ExpectedExposureType: "flat", ExpectedObservationReason: "calibration"}

	cases := []struct {
		obsType, reason string
		want            bool
	}{
		{"flat", "calibration", true},
		{"FLAT", "Calibration", true},
		{"flat", "science", false},
		{"bias", "calibration", false},
		{"bias", "science", false},
	}
	for _, tc := range cases {
		ok, _, err := p.Evaluate(rawRef(tc.obsType, tc.reason))
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, "%s/%s", tc.obsType, tc.reason)
	}
}

func TestPolicyHeaderSourceFallsBackToUnknown(t *testing.T) {
	ref := rawRef("science", "")
	ref.Exposure.Header = map[string]string{"IMGTYPE": "Flat"}

	p := Policy{ExpectedExposureType: "flat", Source: SourceHeader}
	ok, _, err := p.Evaluate(ref)
	require.NoError(t, err)
	assert.True(t, ok)

	ref.Exposure.Header = nil
	ok, reason, err := p.Evaluate(ref)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "UNKNOWN")

	ok, _, err = Policy{ExpectedExposureType: "unknown", Source: SourceHeader}.Evaluate(ref)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPolicyHeaderKeywordIgnoresCase(t *testing.T) {
	ref := rawRef("science", "")
	ref.Exposure.Header = map[string]string{"imgtype": "FLAT"}

	ok, reason, err := Policy{ExpectedExposureType: "flat", Source: SourceHeader, Keyword: "ImgType"}.Evaluate(ref)
	require.NoError(t, err)
	assert.True(t, ok, reason)

	assert.Equal(t, map[string]string{"IMGTYPE": "FLAT", "DAYOBS": "20250612"},
		NormalizeHeader(map[string]string{"imgtype": "FLAT", " DayObs ": "20250612"}))
	assert.Nil(t, NormalizeHeader(nil))
}

func TestPolicyMissingMetadata(t *testing.T) {
	_, _, err := Policy{ExpectedExposureType: "flat"}.Evaluate(DatasetRef{DatasetType: "raw"})
	require.ErrorIs(t, err, ErrMissingMetadata)
}

func TestDecisionErr(t *testing.T) {
	d := Skip("not a flat")
	assert.False(t, d.Admitted())
	err := d.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoWork))

	var nw *NoWorkFoundError
	require.ErrorAs(t, err, &nw)
	assert.Equal(t, "not a flat", nw.Reason)

	assert.NoError(t, Admit(Quantum{}).Err())
}

func TestValidateSource(t *testing.T) {
	assert.NoError(t, ValidateSource(""))
	assert.NoError(t, ValidateSource(SourceHeader))
	assert.Error(t, ValidateSource("exif"))
}

func TestDataIDProject(t *testing.T) {
	id := DataID{Instrument: "LSSTCam", Exposure: 7, PhysicalFilter: "r"}.WithDetector(3)
	byDetector := id.Project([]string{"instrument", "detector"})
	assert.Equal(t, DataID{Instrument: "LSSTCam"}.WithDetector(3), byDetector)
	assert.Equal(t, `{instrument: "LSSTCam", detector: 3}`, byDetector.String())
	assert.Equal(t, "LSSTCam/7/3/r", id.Key())
	assert.Equal(t, "LSSTCam/3", byDetector.Key())
	assert.False(t, id.Project([]string{"instrument", "exposure"}).HasDetector)
}

func TestDataIDDetectorZero(t *testing.T) {
	id := DataID{Instrument: "LSSTCam", Exposure: 7}.WithDetector(0)
	assert.Equal(t, `{instrument: "LSSTCam", exposure: 7, detector: 0}`, id.String())
	assert.Equal(t, "LSSTCam/7/0", id.Key())
	assert.NotEqual(t, DataID{Instrument: "LSSTCam", Exposure: 7}, id)
	assert.Equal(t, `{instrument: "LSSTCam", exposure: 7}`, DataID{Instrument: "LSSTCam", Exposure: 7}.String())

	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"instrument": "LSSTCam", "exposure": 7, "detector": 0}`, string(data))
	var back DataID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, id, back)

	data, err = json.Marshal(DataID{Instrument: "LSSTCam"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"instrument": "LSSTCam"}`, string(data))
}
