// Package steps holds the pipeline step executors. An executor is a pure
// worker over its input snapshot: it reads artifacts from blob storage,
// produces derived artifacts and scratch outputs, and returns a typed result.
// It never touches the job queue or the document store — the worker reports
// its result through the job state machine.
package steps

import (
	"context"

	"github.com/doclens/accesspipe/pipeline"
)

// Aux keys threaded between steps through the input snapshot.
const (
	// AuxText is the storage key of the document's extracted plain text.
	// Written by structure, refined by ocr, consumed downstream.
	AuxText = "text"

	// AuxProvisionalTagged is the storage key of the tagger's uncertified
	// tagged output. The validator publishes it as the tagged artifact once
	// it passes.
	AuxProvisionalTagged = "taggedProvisional"
)

// Executor runs one pipeline step against an input snapshot.
type Executor interface {
	Step() pipeline.Step
	Execute(ctx context.Context, in pipeline.JobInput) pipeline.Result
}

// Blobs is the slice of the artifact store executors need. Satisfied by
// *artifact.Store.
type Blobs interface {
	Read(ctx context.Context, key string) ([]byte, error)
	PutDerived(ctx context.Context, docID string, step pipeline.Step, name string, data []byte) (string, error)
}

// Registry maps steps to their executors.
type Registry struct {
	execs map[pipeline.Step]Executor
}

// NewRegistry builds a registry from the given executors. Registering two
// executors for the same step keeps the last one.
func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{execs: make(map[pipeline.Step]Executor, len(execs))}
	for _, e := range execs {
		r.Register(e)
	}
	return r
}

// Register adds or replaces the executor for its step.
func (r *Registry) Register(e Executor) {
	r.execs[e.Step()] = e
}

// Lookup returns the executor for a step.
func (r *Registry) Lookup(step pipeline.Step) (Executor, bool) {
	e, ok := r.execs[step]
	return e, ok
}
