// Package catalog holds the per-operation call policy: idempotency window,
// attempt budget, attempt timeout, handler kind and whether a key is
// attached.
//
// Policies are written in CUE and checked against an embedded schema. The
// built-in catalog covers the lightbulb service and the installation
// workflow; a deployment may supply its own file to retune, for example,
// the toggle window.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/bulbflow/internal/durable"
	"github.com/roach88/bulbflow/internal/idempotency"
)

//go:embed schema.cue
var schemaSource string

//go:embed default.cue
var defaultSource []byte

// Kind selects how the ingress schedules an operation.
type Kind string

const (
	// KindService handlers each wrap one remote effect.
	KindService Kind = "service"

	// KindWorkflow handlers sequence service calls and wait on them.
	KindWorkflow Kind = "workflow"
)

// Operation is the policy of one addressable operation.
type Operation struct {
	Identity  idempotency.Identity
	Kind      Kind
	Window    time.Duration
	Policy    durable.RetryPolicy
	AttachKey bool
}

// Catalog maps identities to operation policies.
type Catalog struct {
	ops map[idempotency.Identity]Operation
}

// Error reports an invalid catalog entry with its source position.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse("default.cue", defaultSource)
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in catalog is invalid: %v", err))
	}
	return c
}

// Load reads a catalog file. An empty path returns the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return Parse(path, src)
}

// Parse compiles src against the schema.
func Parse(filename string, src []byte) (*Catalog, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	data := ctx.CompileBytes(src, cue.Filename(filename))
	if err := data.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := schema.Unify(data)
	if err := v.Validate(); err != nil {
		return nil, formatCUEError(err)
	}

	scopes := v.LookupPath(cue.ParsePath("scopes"))
	if !scopes.Exists() {
		return nil, &Error{Field: "scopes", Message: "scopes is required", Pos: v.Pos()}
	}

	c := &Catalog{ops: make(map[idempotency.Identity]Operation)}
	scopeIter, err := scopes.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for scopeIter.Next() {
		scope := scopeIter.Label()
		opIter, err := scopeIter.Value().Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for opIter.Next() {
			id := idempotency.Identity{Scope: scope, Operation: opIter.Label()}
			op, err := parseOperation(id, opIter.Value())
			if err != nil {
				return nil, err
			}
			c.ops[id] = op
		}
	}

	if len(c.ops) == 0 {
		return nil, &Error{Field: "scopes", Message: "at least one operation is required", Pos: scopes.Pos()}
	}
	return c, nil
}

func parseOperation(id idempotency.Identity, v cue.Value) (Operation, error) {
	path := "scopes." + id.Scope + "." + id.Operation
	op := Operation{
		Identity:  id,
		Policy:    durable.DefaultPolicy(),
		AttachKey: true,
	}

	kind, err := v.LookupPath(cue.ParsePath("kind")).String()
	if err != nil {
		return Operation{}, formatCUEError(err)
	}
	op.Kind = Kind(kind)

	if window, ok := field(v, "window"); ok {
		op.Window, err = parseDuration(path+".window", window)
		if err != nil {
			return Operation{}, err
		}
	}

	if attempts, ok := field(v, "attempts"); ok {
		n, err := attempts.Int64()
		if err != nil {
			return Operation{}, formatCUEError(err)
		}
		op.Policy = op.Policy.WithAttempts(int(n))
	}

	if timeout, ok := field(v, "attempt_timeout"); ok {
		d, err := parseDuration(path+".attempt_timeout", timeout)
		if err != nil {
			return Operation{}, err
		}
		op.Policy = op.Policy.WithAttemptTimeout(d)
	}

	if attach, ok := field(v, "attach_key"); ok {
		op.AttachKey, err = attach.Bool()
		if err != nil {
			return Operation{}, formatCUEError(err)
		}
	}

	return op, nil
}

// field returns the concrete value of an optional field.
func field(v cue.Value, name string) (cue.Value, bool) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() || !f.IsConcrete() {
		return cue.Value{}, false
	}
	return f, true
}

func parseDuration(name string, v cue.Value) (time.Duration, error) {
	s, err := v.String()
	if err != nil {
		return 0, formatCUEError(err)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &Error{Field: name, Message: err.Error(), Pos: v.Pos()}
	}
	return d, nil
}

// Lookup returns the policy for id.
func (c *Catalog) Lookup(id idempotency.Identity) (Operation, bool) {
	op, ok := c.ops[id]
	return op, ok
}

// MustLookup returns the policy for id and panics when it is missing.
// Use only for identities wired at start-up.
func (c *Catalog) MustLookup(id idempotency.Identity) Operation {
	op, ok := c.ops[id]
	if !ok {
		panic(fmt.Sprintf("catalog: no operation %s", id))
	}
	return op
}

// Operations returns every operation sorted by scope then name.
func (c *Catalog) Operations() []Operation {
	out := make([]Operation, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity.Scope != out[j].Identity.Scope {
			return out[i].Identity.Scope < out[j].Identity.Scope
		}
		return out[i].Identity.Operation < out[j].Identity.Operation
	})
	return out
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &Error{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
