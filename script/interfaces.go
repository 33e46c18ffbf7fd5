package script

import (
	"context"
)

// Value is the result of evaluating a script.
type Value interface {
	// Value returns the Go form of the result
	Value() any

	// String returns the display form of the result
	String() string

	// IsTruthy reports whether the result counts as true in a condition
	IsTruthy() bool
}

// Script is a compiled expression that can be evaluated many times.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles source code into a Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
