package flow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"
)

// Evaluator compiles and runs the two expression dialects the engine
// supports: expr (conditions, selectors, assignments) and jq (edge
// conversions over JSON-shaped data). Compiled programs are cached by
// source, so hot edges and loop predicates compile once.
//
// Safe for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	progs map[string]*vm.Program
	jq    map[string]*gojq.Code
}

// NewEvaluator creates an empty Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		progs: make(map[string]*vm.Program),
		jq:    make(map[string]*gojq.Code),
	}
}

// Eval runs an expr expression against the given environment and
// returns its value.
func (e *Evaluator) Eval(source string, env map[string]any) (any, error) {
	prog, err := e.compile(source)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", source, err)
	}
	return out, nil
}

// Bool runs an expr expression and coerces the result to a boolean.
// Non-boolean results are an error; conditions must be explicit.
func (e *Evaluator) Bool(source string, env map[string]any) (bool, error) {
	out, err := e.Eval(source, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: expected boolean, got %T", source, out)
	}
	return b, nil
}

func (e *Evaluator) compile(source string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.progs[source]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(source, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}
	e.mu.Lock()
	e.progs[source] = prog
	e.mu.Unlock()
	return prog, nil
}

func (e *Evaluator) compileJQ(source string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.jq[source]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse jq %q: %w", source, err)
	}
	code, err = gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile jq %q: %w", source, err)
	}
	e.mu.Lock()
	e.jq[source] = code
	e.mu.Unlock()
	return code, nil
}

// Convert applies an edge conversion to the value the edge carries.
// A nil conversion is identity.
//
// expr dialect: when the input is a map its keys become the
// environment, and the whole value is also bound to "input". Other
// values are bound to "input" only.
//
// jq dialect: the input must be JSON-shaped; the first value the
// program produces is the result.
func (e *Evaluator) Convert(c *Conversion, in any) (any, error) {
	if c == nil {
		return in, nil
	}
	switch c.Dialect {
	case DialectExpr, "":
		return e.Eval(c.Source, ConversionEnv(in))
	case DialectJQ:
		code, err := e.compileJQ(c.Source)
		if err != nil {
			return nil, err
		}
		iter := code.Run(normalizeJSON(in))
		v, ok := iter.Next()
		if !ok {
			return nil, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq %q: %w", c.Source, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown conversion dialect %q", c.Dialect)
	}
}

// ConversionEnv builds the expr environment for a carried value: map
// keys spread at the top level, the whole value under "input".
func ConversionEnv(in any) map[string]any {
	env := make(map[string]any)
	if m, ok := in.(map[string]any); ok {
		for k, v := range m {
			env[k] = v
		}
	}
	env["input"] = in
	return env
}

// normalizeJSON coerces a value into the shapes gojq accepts
// (map[string]any, []any, numbers, strings, bools, nil) by a JSON
// round-trip when needed.
func normalizeJSON(in any) any {
	switch in.(type) {
	case nil, bool, string, float64, int, map[string]any, []any:
		return in
	}
	data, err := json.Marshal(in)
	if err != nil {
		return in
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return in
	}
	return out
}
