package quantum

import (
	"fmt"
	"strings"
)

// Where the exposure type used for admission is read from.
const (
	SourceObservationType = "observation_type"
	SourceHeader          = "header"
)

const (
	DefaultTypeKeyword = "IMGTYPE"
	unknownHeaderValue = "UNKNOWN"
)

// Policy holds the admission predicates. Empty fields are not checked.
type Policy struct {
	ExpectedExposureType      string
	ExpectedObservationReason string
	Source                    string
	Keyword                   string
}

// Empty reports whether the policy admits everything.
func (p Policy) Empty() bool {
	return strings.TrimSpace(p.ExpectedExposureType) == "" && strings.TrimSpace(p.ExpectedObservationReason) == ""
}

// Evaluate checks ref against the policy using only the metadata resident on
// ref. Both predicates are evaluated; the reason lists every mismatch.
func (p Policy) Evaluate(ref DatasetRef) (bool, string, error) {
	if p.Empty() {
		return true, "", nil
	}
	if ref.Exposure == nil {
		return false, "", fmt.Errorf("%w: %s %s has no exposure record", ErrMissingMetadata, ref.DatasetType, ref.DataID)
	}

	var mismatches []string
	if want := strings.TrimSpace(p.ExpectedExposureType); want != "" {
		got := p.exposureType(ref.Exposure)
		if !matches(want, got) {
			mismatches = append(mismatches, fmt.Sprintf("exposure type %q is not %q", got, want))
		}
	}
	if want := strings.TrimSpace(p.ExpectedObservationReason); want != "" {
		got := ref.Exposure.ObservationReason
		if !matches(want, got) {
			mismatches = append(mismatches, fmt.Sprintf("observation reason %q is not %q", got, want))
		}
	}
	if len(mismatches) > 0 {
		return false, strings.Join(mismatches, "; "), nil
	}
	return true, "", nil
}

func (p Policy) exposureType(rec *ExposureRecord) string {
	if p.Source != SourceHeader {
		return rec.ObservationType
	}
	key := p.Keyword
	if key == "" {
		key = DefaultTypeKeyword
	}
	key = strings.ToUpper(key)
	if v, ok := rec.Header[key]; ok {
		return v
	}
	for k, v := range rec.Header {
		if strings.ToUpper(k) == key {
			return v
		}
	}
	return unknownHeaderValue
}

// NormalizeHeader returns a copy of header with upper-cased, trimmed keys.
// FITS keywords are case-insensitive; records built from JSON or gRPC keep
// whatever case the caller used.
func NormalizeHeader(header map[string]string) map[string]string {
	if header == nil {
		return nil
	}
	out := make(map[string]string, len(header))
	for k, v := range header {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out
}

func matches(want, got string) bool {
	return strings.EqualFold(want, strings.TrimSpace(got))
}

// ValidateSource rejects unknown sources.
func ValidateSource(source string) error {
	switch source {
	case "", SourceObservationType, SourceHeader:
		return nil
	}
	return fmt.Errorf("unknown exposure type source %q (want %q or %q)", source, SourceObservationType, SourceHeader)
}
