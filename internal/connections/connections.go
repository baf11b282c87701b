// Package connections declares the named data slots a task reads and writes,
// and derives the active subset of those slots for a given configuration.
package connections

import (
	"errors"
	"fmt"
	"slices"
)

// Role is the semantic role of a connection.
type Role string

const (
	Input             Role = "input"
	PrerequisiteInput Role = "prerequisite_input"
	Output            Role = "output"
)

// IsInput reports whether the role reads data.
func (r Role) IsInput() bool {
	return r == Input || r == PrerequisiteInput
}

// Connection is one declared slot of a task.
type Connection struct {
	Field         string   `json:"field"`
	DatasetType   string   `json:"dataset_type"`
	Doc           string   `json:"doc,omitempty"`
	Role          Role     `json:"role"`
	Dimensions    []string `json:"dimensions"`
	StorageClass  string   `json:"storage_class"`
	Multiple      bool     `json:"multiple,omitempty"`
	DeferLoad     bool     `json:"defer_load,omitempty"`
	IsCalibration bool     `json:"is_calibration,omitempty"`
	Minimum       int      `json:"minimum"`
	Lookup        string   `json:"lookup,omitempty"`
}

var (
	ErrDuplicateField = errors.New("duplicate connection field")
	ErrInvalidField   = errors.New("invalid connection declaration")
)

// Set is an ordered collection of connections keyed by field name.
type Set struct {
	order []string
	conns map[string]Connection
}

// NewSet builds a set from declarations, preserving their order.
func NewSet(decls ...Connection) (*Set, error) {
	s := &Set{conns: make(map[string]Connection, len(decls))}
	for _, c := range decls {
		if c.Field == "" || c.DatasetType == "" {
			return nil, fmt.Errorf("%w: field=%q dataset_type=%q", ErrInvalidField, c.Field, c.DatasetType)
		}
		if _, ok := s.conns[c.Field]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateField, c.Field)
		}
		if c.Role == "" {
			c.Role = Input
		}
		c.Dimensions = slices.Clone(c.Dimensions)
		s.order = append(s.order, c.Field)
		s.conns[c.Field] = c
	}
	return s, nil
}

// MustSet is NewSet for static declaration tables.
func MustSet(decls ...Connection) *Set {
	s, err := NewSet(decls...)
	if err != nil {
		panic(err)
	}
	return s
}

// Remove deletes the named fields. Names that are not present are ignored.
func (s *Set) Remove(fields ...string) {
	for _, f := range fields {
		if _, ok := s.conns[f]; !ok {
			continue
		}
		delete(s.conns, f)
		s.order = slices.DeleteFunc(s.order, func(name string) bool { return name == f })
	}
}

// Has reports whether field is present.
func (s *Set) Has(field string) bool {
	_, ok := s.conns[field]
	return ok
}

// Get returns the connection declared under field.
func (s *Set) Get(field string) (Connection, bool) {
	c, ok := s.conns[field]
	return c, ok
}

func (s *Set) Len() int {
	return len(s.order)
}

// Fields returns the field names in declaration order.
func (s *Set) Fields() []string {
	return slices.Clone(s.order)
}

// All returns every connection in declaration order.
func (s *Set) All() []Connection {
	return s.filter(func(Connection) bool { return true })
}

// Inputs returns regular and prerequisite inputs.
func (s *Set) Inputs() []Connection {
	return s.filter(func(c Connection) bool { return c.Role.IsInput() })
}

// Prerequisites returns only prerequisite inputs.
func (s *Set) Prerequisites() []Connection {
	return s.filter(func(c Connection) bool { return c.Role == PrerequisiteInput })
}

// Outputs returns output connections.
func (s *Set) Outputs() []Connection {
	return s.filter(func(c Connection) bool { return c.Role == Output })
}

// FirstInput returns the first regular (non-prerequisite) input in declaration order.
func (s *Set) FirstInput() (Connection, bool) {
	for _, f := range s.order {
		if c := s.conns[f]; c.Role == Input {
			return c, true
		}
	}
	return Connection{}, false
}

func (s *Set) filter(keep func(Connection) bool) []Connection {
	out := make([]Connection, 0, len(s.order))
	for _, f := range s.order {
		if c := s.conns[f]; keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	c := &Set{
		order: slices.Clone(s.order),
		conns: make(map[string]Connection, len(s.conns)),
	}
	for k, v := range s.conns {
		v.Dimensions = slices.Clone(v.Dimensions)
		c.conns[k] = v
	}
	return c
}

// Equal reports whether both sets hold the same fields with the same declarations.
func (s *Set) Equal(other *Set) bool {
	if s == nil || other == nil {
		return s == other
	}
	if !slices.Equal(s.order, other.order) {
		return false
	}
	for f, a := range s.conns {
		b := other.conns[f]
		if a.DatasetType != b.DatasetType || a.Role != b.Role || a.StorageClass != b.StorageClass ||
			a.Multiple != b.Multiple || a.DeferLoad != b.DeferLoad || a.IsCalibration != b.IsCalibration ||
			a.Minimum != b.Minimum || a.Lookup != b.Lookup || !slices.Equal(a.Dimensions, b.Dimensions) {
			return false
		}
	}
	return true
}
