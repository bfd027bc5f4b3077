package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/strata/internal/storage"
)

// Scenario is a scripted run of builder operations followed by assertions
// on the final builder.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is a CUE file or directory compiled into the registry. Relative
	// paths resolve against the scenario file.
	Schema string `yaml:"schema,omitempty"`

	// Consistency is the builder consistency mode. Defaults to "always".
	Consistency string `yaml:"consistency,omitempty"`

	// Seed, when set, shuffles reconciliation and diff replay order.
	Seed *uint64 `yaml:"seed,omitempty"`

	// Steps run in order against one builder.
	Steps []Step `yaml:"steps"`

	// Assertions validate the builder after the last step.
	Assertions []Assertion `yaml:"assertions"`

	dir string
}

// EntityRef names an entity either by alias or by symbolic id. In YAML a
// scalar is an alias and a mapping is {type, key}.
type EntityRef struct {
	Alias string
	Type  string
	Key   string
}

// UnmarshalYAML accepts the scalar alias shorthand.
func (r *EntityRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.Alias = node.Value
		return nil
	}
	var sym struct {
		Type string `yaml:"type"`
		Key  string `yaml:"key"`
	}
	if err := node.Decode(&sym); err != nil {
		return err
	}
	r.Type, r.Key = sym.Type, sym.Key
	return nil
}

func (r EntityRef) isZero() bool { return r.Alias == "" && r.Type == "" }

func (r EntityRef) String() string {
	if r.Alias != "" {
		return r.Alias
	}
	return storage.SymbolicID{Type: r.Type, Key: r.Key}.String()
}

// SourceSpec is an entity source. In YAML a scalar sets only the kind.
type SourceSpec struct {
	Kind        string `yaml:"kind"`
	URL         string `yaml:"url,omitempty"`
	Placeholder bool   `yaml:"placeholder,omitempty"`
}

// UnmarshalYAML accepts the scalar kind shorthand.
func (s *SourceSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Kind = node.Value
		return nil
	}
	type plain SourceSpec
	return node.Decode((*plain)(s))
}

func (s SourceSpec) source() storage.Source {
	return storage.Source{Kind: s.Kind, URL: s.URL, Placeholder: s.Placeholder}
}

// Step is one builder operation. Exactly one operation field is set.
type Step struct {
	Add             *AddStep             `yaml:"add,omitempty"`
	Modify          *ModifyStep          `yaml:"modify,omitempty"`
	Remove          *EntityRef           `yaml:"remove,omitempty"`
	AddChild        *AddChildStep        `yaml:"add_child,omitempty"`
	ReplaceChildren *ReplaceChildrenStep `yaml:"replace_children,omitempty"`
	Snapshot        bool                 `yaml:"snapshot,omitempty"`
	ReplaceBySource *ReplaceBySourceStep `yaml:"replace_by_source,omitempty"`
	ApplyChanges    []Step               `yaml:"apply_changes,omitempty"`

	// Error, when set, is the storage error code (or a message substring)
	// the step must fail with.
	Error string `yaml:"error,omitempty"`
}

// AddStep adds an entity, optionally under parents.
type AddStep struct {
	Type    string         `yaml:"type"`
	As      string         `yaml:"as,omitempty"`
	Source  SourceSpec     `yaml:"source"`
	Fields  map[string]any `yaml:"fields,omitempty"`
	Parents []ParentSpec   `yaml:"parents,omitempty"`
}

// ParentSpec attaches a new entity in a connection.
type ParentSpec struct {
	Connection string    `yaml:"connection"`
	Of         EntityRef `yaml:"of"`
}

// ModifyStep sets fields, and optionally the source, of an entity. A null
// value clears the field.
type ModifyStep struct {
	Entity EntityRef      `yaml:"entity"`
	Set    map[string]any `yaml:"set,omitempty"`
	Source *SourceSpec    `yaml:"source,omitempty"`
}

// AddChildStep links child under parent. Without a parent the child is
// detached.
type AddChildStep struct {
	Connection string     `yaml:"connection"`
	Parent     *EntityRef `yaml:"parent,omitempty"`
	Child      EntityRef  `yaml:"child"`
}

// ReplaceChildrenStep sets the ordered child list of parent.
type ReplaceChildrenStep struct {
	Connection string      `yaml:"connection"`
	Parent     EntityRef   `yaml:"parent"`
	Children   []EntityRef `yaml:"children"`
}

// ReplaceBySourceStep builds a replacement storage from With on a fresh
// builder and reconciles the entities whose source matches Filter.
type ReplaceBySourceStep struct {
	Filter string `yaml:"filter"`
	With   []Step `yaml:"with"`
}

// Assertion validates the final builder. Type selects which of the other
// fields apply.
type Assertion struct {
	Type string `yaml:"type"`

	// Entity is used by exists, absent, field and source. Symbolic
	// additionally requires exists to find the same entity by symbolic id.
	Entity   EntityRef  `yaml:"entity,omitempty"`
	Symbolic *EntityRef `yaml:"symbolic,omitempty"`

	// EntityType restricts count and changes.
	EntityType string `yaml:"entity_type,omitempty"`
	Count      *int   `yaml:"count,omitempty"`

	Field  string      `yaml:"field,omitempty"`
	Value  any         `yaml:"value,omitempty"`
	Source *SourceSpec `yaml:"source,omitempty"`

	// Connection and Parent select a child list; it is compared either by
	// Children refs or by the Field value of each child against Values.
	Connection string      `yaml:"connection,omitempty"`
	Parent     EntityRef   `yaml:"parent,omitempty"`
	Children   []EntityRef `yaml:"children,omitempty"`
	Values     []any       `yaml:"values,omitempty"`

	Added    *int `yaml:"added,omitempty"`
	Removed  *int `yaml:"removed,omitempty"`
	Replaced *int `yaml:"replaced,omitempty"`

	// Want is the expected answer of consistent, has_changes and
	// same_entities. Defaults to true.
	Want *bool `yaml:"want,omitempty"`
}

// Assertion type constants.
const (
	AssertConsistent   = "consistent"
	AssertCount        = "count"
	AssertExists       = "exists"
	AssertAbsent       = "absent"
	AssertField        = "field"
	AssertSource       = "source"
	AssertChildren     = "children"
	AssertChanges      = "changes"
	AssertHasChanges   = "has_changes"
	AssertSameEntities = "same_entities"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// ParseScenario parses scenario YAML. A relative Schema resolves against
// the working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// schemaPath resolves Schema against the scenario file location.
func (s *Scenario) schemaPath() string {
	if s.Schema == "" || filepath.IsAbs(s.Schema) || s.dir == "" {
		return s.Schema
	}
	return filepath.Join(s.dir, s.Schema)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if _, err := storage.ParseConsistencyMode(s.Consistency); err != nil {
		return err
	}
	if err := validateSteps("steps", s.Steps); err != nil {
		return err
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateSteps(path string, steps []Step) error {
	for i := range steps {
		if err := validateStep(fmt.Sprintf("%s[%d]", path, i), &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(path string, st *Step) error {
	if n := st.operations(); n != 1 {
		return fmt.Errorf("%s: exactly one operation is required, got %d", path, n)
	}
	switch {
	case st.Add != nil:
		if st.Add.Type == "" {
			return fmt.Errorf("%s.add: type is required", path)
		}
		for j, p := range st.Add.Parents {
			if p.Connection == "" || p.Of.isZero() {
				return fmt.Errorf("%s.add.parents[%d]: connection and of are required", path, j)
			}
		}
	case st.Modify != nil:
		if st.Modify.Entity.isZero() {
			return fmt.Errorf("%s.modify: entity is required", path)
		}
	case st.Remove != nil:
		if st.Remove.isZero() {
			return fmt.Errorf("%s.remove: entity is required", path)
		}
	case st.AddChild != nil:
		if st.AddChild.Connection == "" || st.AddChild.Child.isZero() {
			return fmt.Errorf("%s.add_child: connection and child are required", path)
		}
	case st.ReplaceChildren != nil:
		if st.ReplaceChildren.Connection == "" || st.ReplaceChildren.Parent.isZero() {
			return fmt.Errorf("%s.replace_children: connection and parent are required", path)
		}
	case st.ReplaceBySource != nil:
		return validateSteps(path+".replace_by_source.with", st.ReplaceBySource.With)
	case len(st.ApplyChanges) > 0:
		return validateSteps(path+".apply_changes", st.ApplyChanges)
	}
	return nil
}

func (st *Step) operations() int {
	n := 0
	for _, set := range []bool{
		st.Add != nil,
		st.Modify != nil,
		st.Remove != nil,
		st.AddChild != nil,
		st.ReplaceChildren != nil,
		st.Snapshot,
		st.ReplaceBySource != nil,
		len(st.ApplyChanges) > 0,
	} {
		if set {
			n++
		}
	}
	return n
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertConsistent, AssertHasChanges, AssertSameEntities:
	case AssertCount:
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for count", index)
		}
	case AssertExists, AssertAbsent:
		if a.Entity.isZero() {
			return fmt.Errorf("assertions[%d]: entity is required for %s", index, a.Type)
		}
	case AssertField:
		if a.Entity.isZero() || a.Field == "" {
			return fmt.Errorf("assertions[%d]: entity and field are required for field", index)
		}
	case AssertSource:
		if a.Entity.isZero() || a.Source == nil {
			return fmt.Errorf("assertions[%d]: entity and source are required for source", index)
		}
	case AssertChildren:
		if a.Connection == "" || a.Parent.isZero() {
			return fmt.Errorf("assertions[%d]: connection and parent are required for children", index)
		}
		if a.Field == "" && len(a.Values) > 0 {
			return fmt.Errorf("assertions[%d]: values need a field", index)
		}
	case AssertChanges:
		if a.Added == nil && a.Removed == nil && a.Replaced == nil {
			return fmt.Errorf("assertions[%d]: changes needs added, removed or replaced", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}
