package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContextValidator rejects malformed saga context payloads before any state
// is persisted.
type ContextValidator func(payload json.RawMessage) error

// ResourceResolver derives the resource lock keys a saga instance needs
// from its context payload. Keys are deduplicated and acquired in sorted
// order.
type ResourceResolver func(payload json.RawMessage) ([]string, error)

// ResultFunc derives the caller-visible result value from a completed
// instance, typically from persisted step outputs.
type ResultFunc func(inst *Instance) (json.RawMessage, error)

// Definition describes a declarative saga: an ordered list of steps
// executed strictly in sequence, compensated strictly in reverse.
type Definition struct {
	Name               string
	Version            int
	Steps              []*Step
	Timeout            time.Duration
	DefaultStepTimeout time.Duration
	ValidateContext    ContextValidator
	Resources          ResourceResolver
	Result             ResultFunc
}

// Builder incrementally constructs Definition instances.
type Builder struct {
	def  *Definition
	errs []error
}

// New creates a saga definition builder for the given type name and
// version.
func New(name string, version int) *Builder {
	return &Builder{
		def: &Definition{
			Name:               name,
			Version:            version,
			Steps:              make([]*Step, 0),
			DefaultStepTimeout: 30 * time.Second,
		},
	}
}

// Step appends a step to the saga definition. Steps execute in the order
// they are declared.
func (b *Builder) Step(id string, opts ...StepOption) *Builder {
	step := &Step{
		ID:          id,
		Criticality: Authoritative,
		Retry:       DefaultRetryPolicy(),
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(step); err != nil {
			b.errs = append(b.errs, fmt.Errorf("step %q: %w", id, err))
		}
	}

	for _, existing := range b.def.Steps {
		if existing.ID == id {
			b.errs = append(b.errs, fmt.Errorf("duplicate step ID: %s", id))
			return b
		}
	}

	b.def.Steps = append(b.def.Steps, step)
	return b
}

// WithTimeout sets the saga-level timeout.
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.def.Timeout = timeout
	return b
}

// WithDefaultStepTimeout sets the timeout for steps without an explicit
// one.
func (b *Builder) WithDefaultStepTimeout(timeout time.Duration) *Builder {
	b.def.DefaultStepTimeout = timeout
	return b
}

// WithValidator sets the context payload validator.
func (b *Builder) WithValidator(fn ContextValidator) *Builder {
	b.def.ValidateContext = fn
	return b
}

// WithResources sets the resource lock key resolver.
func (b *Builder) WithResources(fn ResourceResolver) *Builder {
	b.def.Resources = fn
	return b
}

// WithResult sets the result derivation function.
func (b *Builder) WithResult(fn ResultFunc) *Builder {
	b.def.Result = fn
	return b
}

// Build validates and returns the saga definition.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	return b.def.clone(), nil
}

// Validate validates saga structure.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("saga definition cannot be nil")
	}
	if d.Name == "" {
		return fmt.Errorf("saga name cannot be empty")
	}
	if d.Version < 1 {
		return fmt.Errorf("saga %q: version must be >= 1", d.Name)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %q must define at least one step", d.Name)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("saga %q: timeout cannot be negative", d.Name)
	}
	if d.DefaultStepTimeout < 0 {
		return fmt.Errorf("saga %q: default step timeout cannot be negative", d.Name)
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if step == nil {
			return fmt.Errorf("saga %q contains a nil step", d.Name)
		}
		if step.ID == "" {
			return fmt.Errorf("saga %q: step ID cannot be empty", d.Name)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("saga %q: duplicate step ID %q", d.Name, step.ID)
		}
		seen[step.ID] = struct{}{}
		if step.Action == nil {
			return fmt.Errorf("saga %q: step %q missing action", d.Name, step.ID)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("saga %q: step %q timeout cannot be negative", d.Name, step.ID)
		}
	}
	return nil
}

// Step returns the definition step with the given ID, or nil.
func (d *Definition) Step(id string) *Step {
	for _, step := range d.Steps {
		if step.ID == id {
			return step
		}
	}
	return nil
}

func (d *Definition) clone() *Definition {
	steps := make([]*Step, 0, len(d.Steps))
	for _, step := range d.Steps {
		if step == nil {
			continue
		}
		cp := *step
		steps = append(steps, &cp)
	}
	return &Definition{
		Name:               d.Name,
		Version:            d.Version,
		Steps:              steps,
		Timeout:            d.Timeout,
		DefaultStepTimeout: d.DefaultStepTimeout,
		ValidateContext:    d.ValidateContext,
		Resources:          d.Resources,
		Result:             d.Result,
	}
}
