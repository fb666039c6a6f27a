package health

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/sharedcode/duet"
)

// Rule is a compiled alert predicate evaluated against each resource sample.
// Expressions see the sample's fields as variables, e.g.
// "mem_used_percent > 90.0 || goroutines > 10000".
type Rule struct {
	Expression string
	program    cel.Program
}

// NewRule compiles a CEL expression into an alert predicate.
func NewRule(expression string) (*Rule, error) {
	if expression == "" {
		return nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("expression can't be empty string")}
	}

	env, err := cel.NewEnv(
		// Declare variables matching the fields of a resource sample.
		cel.Variable("mem_used_percent", cel.DoubleType),
		cel.Variable("heap_alloc_bytes", cel.UintType),
		cel.Variable("disk_used_percent", cel.DoubleType),
		cel.Variable("disk_free_bytes", cel.UintType),
		cel.Variable("goroutines", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("error compiling CEL expression: %v", issues.Err())}
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Rule{
		Expression: expression,
		program:    p,
	}, nil
}

// Evaluate runs the predicate against a sample. True means the sample is unhealthy.
func (r *Rule) Evaluate(s Sample) (bool, error) {
	out, _, err := r.program.Eval(map[string]any{
		"mem_used_percent":  s.MemUsedPercent,
		"heap_alloc_bytes":  s.HeapAllocBytes,
		"disk_used_percent": s.DiskUsedPercent,
		"disk_free_bytes":   s.DiskFreeBytes,
		"goroutines":        s.Goroutines,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	v, ok := nv.(bool)
	if !ok {
		return false, fmt.Errorf("expression %s did not yield a bool", r.Expression)
	}
	return v, nil
}
