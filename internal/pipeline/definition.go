package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"cptesting/internal/tasks"
)

// Definition is a parsed pipeline definition file.
type Definition struct {
	Description string                     `toml:"description"`
	Instrument  string                     `toml:"instrument"`
	Tasks       map[string]*TaskDefinition `toml:"tasks"`

	Path string `toml:"-"`
}

// TaskDefinition names the task class for a label and the configuration
// overrides applied on top of the class defaults.
type TaskDefinition struct {
	Class  string         `toml:"class"`
	Config map[string]any `toml:"config"`

	overrides []string
}

// Load reads a pipeline definition from disk.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.Path = path
	return def, nil
}

// Parse decodes a pipeline definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", describeTOMLError(err))
	}
	if len(def.Tasks) == 0 {
		return nil, errors.New("parse pipeline: no tasks defined")
	}
	for label, td := range def.Tasks {
		if td == nil || td.Class == "" {
			return nil, fmt.Errorf("parse pipeline: task %q has no class", label)
		}
	}
	return &def, nil
}

// Labels returns the task labels sorted.
func (d *Definition) Labels() []string {
	labels := make([]string, 0, len(d.Tasks))
	for l := range d.Tasks {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Override records a "key=value" config override for label. Keys may be
// dotted ("qa.doThumbnailOss"). Overrides apply after the file's config table.
func (d *Definition) Override(label, assignment string) error {
	td, ok := d.Tasks[label]
	if !ok {
		return fmt.Errorf("override %q: unknown task label %q", assignment, label)
	}
	if _, _, err := splitAssignment(assignment); err != nil {
		return err
	}
	td.overrides = append(td.overrides, assignment)
	return nil
}

// NewTaskConfig builds the configuration for one task definition: class
// defaults, then the config table, then overrides. Unknown keys are errors.
func NewTaskConfig(task tasks.Task, td *TaskDefinition) (tasks.Config, error) {
	cfg := task.NewConfig()
	if td != nil && len(td.Config) > 0 {
		data, err := toml.Marshal(td.Config)
		if err != nil {
			return nil, fmt.Errorf("encode config: %w", err)
		}
		if err := decodeStrict(data, cfg); err != nil {
			return nil, err
		}
	}
	if td != nil {
		for _, a := range td.overrides {
			if err := ApplyOverride(cfg, a); err != nil {
				return nil, err
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverride sets one "key=value" assignment on cfg. Values that are not
// valid TOML literals are treated as strings, so expectedExposureType=flat
// works without quoting. A literal such as 2025 or true that does not fit
// its field is retried as a string, so string fields accept any value.
func ApplyOverride(cfg tasks.Config, assignment string) error {
	key, value, err := splitAssignment(assignment)
	if err != nil {
		return err
	}
	literal := tomlLiteral(value)
	err = decodeStrict([]byte(key+" = "+literal+"\n"), cfg)
	if err != nil && literal == value && !isQuoted(value) {
		if retry := decodeStrict([]byte(key+" = "+strconv.Quote(value)+"\n"), cfg); retry == nil {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("override %q: %w", assignment, err)
	}
	return nil
}

func isQuoted(value string) bool {
	return strings.HasPrefix(value, `"`) || strings.HasPrefix(value, "'")
}

func splitAssignment(assignment string) (string, string, error) {
	key, value, ok := strings.Cut(assignment, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", fmt.Errorf("override %q: expected key=value", assignment)
	}
	return key, strings.TrimSpace(value), nil
}

func tomlLiteral(value string) string {
	var probe map[string]any
	if err := toml.Unmarshal([]byte("v = "+value), &probe); err == nil {
		return value
	}
	return strconv.Quote(value)
}

func decodeStrict(data []byte, cfg tasks.Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return describeTOMLError(err)
	}
	return nil
}

func describeTOMLError(err error) error {
	var strict *toml.StrictMissingError
	if errors.As(err, &strict) {
		return fmt.Errorf("unknown configuration field: %s", strings.TrimSpace(strict.String()))
	}
	var decErr *toml.DecodeError
	if errors.As(err, &decErr) {
		row, col := decErr.Position()
		return fmt.Errorf("line %d column %d: %s", row, col, decErr.Error())
	}
	return err
}
