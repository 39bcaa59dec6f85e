// Package review decides whether a generative step's output needs a human
// reviewer before the document may carry full certification. The decision is
// a pure function of (step, confidence, threshold) so it is unit-testable
// independent of the state machine.
//
// A flagged document still proceeds through the remaining pipeline steps —
// processing is never blocked — but the exporter embeds a pending-review
// marker in every generated artifact, and only an explicit reviewer approval
// clears the flag.
package review

import "github.com/doclens/accesspipe/pipeline"

// DefaultThreshold is the stock confidence threshold below which output is
// routed to review.
const DefaultThreshold = 0.8

// Decision is the routing outcome for one step result.
type Decision struct {
	NeedsReview bool
	Priority    pipeline.ReviewPriority
}

// Decide routes a step's confidence score. Deterministic steps are exempt.
// Priority scales with how far below threshold the confidence landed:
// ≥0.6 low, 0.4–0.6 medium, <0.4 high.
func Decide(step pipeline.Step, confidence, threshold float64) Decision {
	if !step.Generative() {
		return Decision{}
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if confidence >= threshold {
		return Decision{}
	}
	switch {
	case confidence >= 0.6:
		return Decision{NeedsReview: true, Priority: pipeline.ReviewLow}
	case confidence >= 0.4:
		return Decision{NeedsReview: true, Priority: pipeline.ReviewMedium}
	default:
		return Decision{NeedsReview: true, Priority: pipeline.ReviewHigh}
	}
}
