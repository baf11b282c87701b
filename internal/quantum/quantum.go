// Package quantum models units of work and the admission decision taken for
// each of them before any expensive processing happens.
package quantum

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// DataID identifies the data coordinate of a dataset or quantum. Zero values
// mean the dimension does not apply, except for the detector: detector 0
// exists, so HasDetector marks whether Detector is set.
type DataID struct {
	Instrument     string
	Exposure       int64
	Detector       int
	HasDetector    bool
	PhysicalFilter string
}

// WithDetector returns d with the detector dimension set.
func (d DataID) WithDetector(detector int) DataID {
	d.Detector = detector
	d.HasDetector = true
	return d
}

type dataIDJSON struct {
	Instrument     string `json:"instrument"`
	Exposure       int64  `json:"exposure,omitempty"`
	Detector       *int   `json:"detector,omitempty"`
	PhysicalFilter string `json:"physical_filter,omitempty"`
}

func (d DataID) MarshalJSON() ([]byte, error) {
	v := dataIDJSON{Instrument: d.Instrument, Exposure: d.Exposure, PhysicalFilter: d.PhysicalFilter}
	if d.HasDetector {
		det := d.Detector
		v.Detector = &det
	}
	return json.Marshal(v)
}

func (d *DataID) UnmarshalJSON(data []byte) error {
	var v dataIDJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*d = DataID{Instrument: v.Instrument, Exposure: v.Exposure, PhysicalFilter: v.PhysicalFilter}
	if v.Detector != nil {
		*d = d.WithDetector(*v.Detector)
	}
	return nil
}

// Project keeps only the named dimensions.
func (d DataID) Project(dimensions []string) DataID {
	var out DataID
	for _, dim := range dimensions {
		switch dim {
		case "instrument":
			out.Instrument = d.Instrument
		case "exposure":
			out.Exposure = d.Exposure
		case "detector":
			out.Detector, out.HasDetector = d.Detector, d.HasDetector
		case "physical_filter":
			out.PhysicalFilter = d.PhysicalFilter
		}
	}
	return out
}

func (d DataID) String() string {
	s := "{instrument: " + strconv.Quote(d.Instrument)
	if d.Exposure != 0 {
		s += ", exposure: " + strconv.FormatInt(d.Exposure, 10)
	}
	if d.HasDetector {
		s += ", detector: " + strconv.Itoa(d.Detector)
	}
	if d.PhysicalFilter != "" {
		s += ", physical_filter: " + strconv.Quote(d.PhysicalFilter)
	}
	return s + "}"
}

// Key is a path-like form of the coordinate, usable in dataset IDs.
func (d DataID) Key() string {
	parts := []string{d.Instrument}
	if d.Exposure != 0 {
		parts = append(parts, strconv.FormatInt(d.Exposure, 10))
	}
	if d.HasDetector {
		parts = append(parts, strconv.Itoa(d.Detector))
	}
	if d.PhysicalFilter != "" {
		parts = append(parts, d.PhysicalFilter)
	}
	return strings.Join(parts, "/")
}

// ExposureRecord is the exposure metadata attached to a data coordinate.
type ExposureRecord struct {
	Instrument        string            `json:"instrument"`
	ID                int64             `json:"id"`
	ObservationType   string            `json:"observation_type"`
	ObservationReason string            `json:"observation_reason"`
	PhysicalFilter    string            `json:"physical_filter,omitempty"`
	DayObs            int               `json:"day_obs,omitempty"`
	Header            map[string]string `json:"header,omitempty"`
}

// DatasetRef points at one stored dataset. Exposure carries the expanded
// exposure record when the dataset has an exposure dimension.
type DatasetRef struct {
	ID          string          `json:"id"`
	DatasetType string          `json:"dataset_type"`
	DataID      DataID          `json:"data_id"`
	Run         string          `json:"run,omitempty"`
	Exposure    *ExposureRecord `json:"exposure,omitempty"`
}

// Quantum is one invocation of a task over a specific data coordinate.
type Quantum struct {
	ID        string                  `json:"id"`
	TaskLabel string                  `json:"task_label"`
	DataID    DataID                  `json:"data_id"`
	Inputs    map[string][]DatasetRef `json:"inputs"`
	Outputs   map[string][]DatasetRef `json:"outputs,omitempty"`
}

// InputFields returns the input connection names sorted.
func (q Quantum) InputFields() []string {
	return slices.Sorted(maps.Keys(q.Inputs))
}

// FirstRef returns the first ref registered under field.
func (q Quantum) FirstRef(field string) (DatasetRef, error) {
	refs := q.Inputs[field]
	if len(refs) == 0 {
		return DatasetRef{}, fmt.Errorf("%w: %s has no %q input for %s", ErrNoInput, q.TaskLabel, field, q.DataID)
	}
	return refs[0], nil
}
