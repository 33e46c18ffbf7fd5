package script

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorScript is a compiled Risor program bound to the engine it came from.
type RisorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := maps.Clone(s.engine.globals)
	for name, value := range globals {
		if _, declared := combined[name]; !declared {
			return nil, fmt.Errorf("undeclared variable %q", name)
		}
		combined[name] = value
	}
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorEngine compiles Risor expressions against a fixed set of global
// names. Variables supplied at evaluation time must be declared up front so
// the compiler can resolve them.
type RisorEngine struct {
	globals map[string]any
}

// NewRisorEngine creates an engine exposing the deterministic builtins plus
// the given variables, which default to their zero values.
func NewRisorEngine(variables map[string]any) *RisorEngine {
	globals := SafeGlobals()
	for name, value := range variables {
		globals[name] = value
	}
	return &RisorEngine{globals: globals}
}

func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(e.globals))
	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiled}, nil
}

// RisorValue wraps a Risor result object.
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	return ConvertRisorValueToGo(v.obj)
}

func (v *RisorValue) IsTruthy() bool {
	switch obj := v.obj.(type) {
	case *object.String:
		val := obj.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.NilType:
		return false
	default:
		return obj.IsTruthy()
	}
}

func (v *RisorValue) String() string {
	switch obj := v.obj.(type) {
	case *object.String:
		return obj.Value()
	case *object.Int:
		return fmt.Sprintf("%d", obj.Value())
	case *object.Float:
		return fmt.Sprintf("%g", obj.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", obj.Value())
	case *object.NilType:
		return ""
	default:
		return obj.Inspect()
	}
}

var safeBuiltins = []string{
	"all", "any", "bool", "coalesce", "float", "fmt", "int", "keys", "len",
	"list", "map", "math", "reversed", "sorted", "sprintf", "string",
	"strings", "type",
}

// SafeGlobals returns the Risor builtins that are deterministic and free of
// side effects, which makes them safe to evaluate during replay.
func SafeGlobals() map[string]any {
	builtins := all.Builtins()
	globals := make(map[string]any, len(safeBuiltins))
	for _, name := range safeBuiltins {
		if value, ok := builtins[name]; ok {
			globals[name] = value
		}
	}
	return globals
}
