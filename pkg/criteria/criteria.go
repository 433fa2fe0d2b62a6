// Package criteria evaluates acceptance criteria written in Starlark.
//
// A criteria script sees the validation command's result as predeclared
// values and must assign a bool to passed:
//
//	def coverage():
//	    for line in stdout.splitlines():
//	        if line.startswith("coverage:"):
//	            return float(line.split()[1].rstrip("%"))
//	    return 0.0
//
//	passed = exit_code == 0 and coverage() >= 80.0
//	reason = "coverage below 80%" if not passed else ""
//
// Loops and conditionals must live inside functions.
package criteria

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/prflow/prflow/pkg/engine"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultMaxSteps = 10_000_000
)

// ErrTimeout is returned when a script exceeds its time budget.
var ErrTimeout = errors.New("starlark execution timeout")

// Result is the outcome of running a script.
type Result struct {
	Output        map[string]interface{}
	ExecutionTime time.Duration
}

// Evaluator runs Starlark scripts with a time and step budget.
// It implements engine.Criteria.
type Evaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewEvaluator creates an evaluator. A zero timeout uses the default.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Evaluator{timeout: timeout, maxSteps: defaultMaxSteps}
}

// Evaluate executes script with input predeclared and returns its public globals.
func (e *Evaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*Result, error) {
	start := time.Now()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	thread := &starlark.Thread{
		Name:  "criteria",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(e.maxSteps)

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() { thread.Cancel("timeout") })
	defer stop()

	globals, err := starlark.ExecFile(thread, "criteria.star", script, predeclared)
	elapsed := time.Since(start)
	if err != nil {
		if evalCtx.Err() != nil {
			return nil, fmt.Errorf("%w after %v", ErrTimeout, e.timeout)
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, isFunc := val.(*starlark.Function); isFunc {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &Result{Output: output, ExecutionTime: elapsed}, nil
}

// Accept runs a criteria script against a command result.
// A script that fails to run or does not set a bool passed is a fatal error.
func (e *Evaluator) Accept(ctx context.Context, script string, in engine.CriteriaInput) (bool, string, error) {
	res, err := e.Evaluate(ctx, script, map[string]interface{}{
		"exit_code": in.ExitCode,
		"stdout":    in.Stdout,
		"stderr":    in.Stderr,
		"iteration": in.Iteration,
	})
	if err != nil {
		return false, "", engine.NewFatalError(engine.ErrorKindContextCorrupted, "acceptance criteria failed to run", err)
	}

	passed, ok := res.Output["passed"].(bool)
	if !ok {
		return false, "", engine.NewFatalError(engine.ErrorKindContextCorrupted,
			fmt.Sprintf("acceptance criteria must set passed to a bool, got %T", res.Output["passed"]), nil)
	}
	reason, _ := res.Output["reason"].(string)
	return passed, reason, nil
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
