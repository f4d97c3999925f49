// Package state tracks resource lifecycles and usage states.
//
// A [Table] hands out generation-checked identifiers. A [Resource] carries the
// global usage state that is the single source of truth at submission time. A
// [Tracker] follows usage inside one command buffer and returns barrier
// descriptions; it never talks to a native device.
package state
