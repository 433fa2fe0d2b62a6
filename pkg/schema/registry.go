// Package schema validates collaborator responses against CUE definitions.
package schema

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/prflow/prflow/pkg/engine"
)

// Names of the built-in definitions.
const (
	RunHandle  = "#RunHandle"
	RunStatus  = "#RunStatus"
	Evaluation = "#Evaluation"
)

// Registry holds compiled CUE definitions by name.
type Registry struct {
	ctx  *cue.Context
	defs map[string]cue.Value
	mu   sync.RWMutex
}

// NewRegistry creates a registry preloaded with the collaborator schemas.
func NewRegistry() *Registry {
	r := &Registry{
		ctx:  cuecontext.New(),
		defs: make(map[string]cue.Value),
	}
	if err := r.Register(builtinSchemas); err != nil {
		panic(fmt.Sprintf("schema: built-in schemas do not compile: %v", err))
	}
	return r
}

// Register compiles src and adds every top-level definition it declares.
func (r *Registry) Register(src string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	val := r.ctx.CompileString(src)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to list definitions: %w", err)
	}
	added := 0
	for iter.Next() {
		if !iter.Selector().IsDefinition() {
			continue
		}
		r.defs[iter.Selector().String()] = iter.Value()
		added++
	}
	if added == 0 {
		return fmt.Errorf("schema declares no definitions")
	}
	return nil
}

// Names returns the registered definition names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateJSON checks a JSON document against the named definition.
// Any mismatch is returned as a permanent SchemaMismatch error.
func (r *Registry) ValidateJSON(name string, body []byte) error {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return engine.NewFatalError(engine.ErrorKindContextCorrupted, fmt.Sprintf("schema %s not registered", name), nil)
	}

	data := r.ctx.CompileBytes(body)
	if err := data.Err(); err != nil {
		return engine.NewPermanentError(engine.ErrorKindSchemaMismatch, "response is not valid JSON", err)
	}

	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return engine.NewPermanentError(engine.ErrorKindSchemaMismatch,
			fmt.Sprintf("response does not match %s: %s", name, firstError(err)), err)
	}
	return nil
}

func firstError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	return errs[0].Error()
}

const builtinSchemas = `
#RunState: "queued" | "running" | "succeeded" | "failed"

#RunHandle: {
	run_id: string & !=""
	status: #RunState
	...
}

#RunStatus: {
	run_id:  string & !=""
	status:  #RunState
	branch?: string
	error?:  string
	output?: {...}
	...
}

#Evaluation: {
	success: bool
	findings?: [...string]
	...
}
`
