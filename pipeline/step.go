// Package pipeline defines the data model shared by the accesspipe job queue,
// document store, and step executors: the fixed step order, job and document
// state enums, retry policy with backoff math, and the input/output contracts
// a step executor works against.
//
// The package is pure types and arithmetic — no I/O, no persistence. Both
// stores serialize these types into SQLite JSON columns.
package pipeline

// Step identifies one stage of the accessibility pipeline.
type Step string

const (
	StepStructure Step = "structure"
	StepOCR       Step = "ocr"
	StepTagger    Step = "tagger"
	StepValidator Step = "validator"
	StepExporter  Step = "exporter"
	StepNotifier  Step = "notifier"
)

// Order is the fixed execution order. A step's job is only created after the
// immediately preceding step completed; steps are never parallelized within
// one document.
var Order = []Step{StepStructure, StepOCR, StepTagger, StepValidator, StepExporter, StepNotifier}

// Valid reports whether s is a known pipeline step.
func (s Step) Valid() bool {
	for _, st := range Order {
		if st == s {
			return true
		}
	}
	return false
}

// Next returns the step following s in pipeline order. ok is false for the
// last step (notifier) and for unknown steps.
func (s Step) Next() (next Step, ok bool) {
	for i, st := range Order {
		if st == s {
			if i+1 < len(Order) {
				return Order[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// Generative reports whether s produces AI-derived content. Generative steps
// must emit a confidence score and are subject to human-review routing;
// deterministic steps (validator, exporter, notifier) may omit confidence,
// which is treated as 1.0.
func (s Step) Generative() bool {
	switch s {
	case StepStructure, StepOCR, StepTagger:
		return true
	}
	return false
}

// First returns the entry step of the pipeline.
func First() Step { return Order[0] }

// ArtifactKind names a derived artifact slot on a document. Keys, once set,
// are only ever overwritten — never removed by a step's completion.
type ArtifactKind string

const (
	ArtifactOriginal  ArtifactKind = "original"
	ArtifactStructure ArtifactKind = "structure"
	ArtifactAltText   ArtifactKind = "altText"
	ArtifactTagged    ArtifactKind = "tagged"
	ArtifactHTML      ArtifactKind = "html"
	ArtifactEPUB      ArtifactKind = "epub"
	ArtifactCSVZip    ArtifactKind = "csvZip"
)
