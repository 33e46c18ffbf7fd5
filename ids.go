package durable

import (
	"go.jetify.com/typeid"
)

// NewExecutionID returns a new type-prefixed id for an execution.
func NewExecutionID() string {
	return newPrefixedID("exec")
}

// NewCallbackID returns a new type-prefixed id for a callback wait point.
func NewCallbackID() string {
	return newPrefixedID("cb")
}

func newPrefixedID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}
