package review_test

import (
	"testing"

	"github.com/doclens/accesspipe/pipeline"
	"github.com/doclens/accesspipe/review"
)

func TestDecideBuckets(t *testing.T) {
	cases := []struct {
		name       string
		confidence float64
		needs      bool
		priority   pipeline.ReviewPriority
	}{
		{"at threshold", 0.8, false, pipeline.ReviewNone},
		{"above threshold", 0.95, false, pipeline.ReviewNone},
		{"just below threshold", 0.79, true, pipeline.ReviewLow},
		{"low boundary", 0.6, true, pipeline.ReviewLow},
		{"medium bucket", 0.55, true, pipeline.ReviewMedium},
		{"medium boundary", 0.4, true, pipeline.ReviewMedium},
		{"high bucket", 0.39, true, pipeline.ReviewHigh},
		{"zero confidence", 0, true, pipeline.ReviewHigh},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := review.Decide(pipeline.StepOCR, c.confidence, review.DefaultThreshold)
			if d.NeedsReview != c.needs || d.Priority != c.priority {
				t.Fatalf("Decide(ocr, %v) = %+v, want needs=%v priority=%q",
					c.confidence, d, c.needs, c.priority)
			}
		})
	}
}

func TestDecideExemptsDeterministicSteps(t *testing.T) {
	for _, step := range []pipeline.Step{pipeline.StepValidator, pipeline.StepExporter, pipeline.StepNotifier} {
		d := review.Decide(step, 0.1, review.DefaultThreshold)
		if d.NeedsReview {
			t.Errorf("%s should be exempt from review routing", step)
		}
	}
}

func TestDecideCustomThreshold(t *testing.T) {
	// A stricter deployment: anything under 0.95 is flagged.
	d := review.Decide(pipeline.StepTagger, 0.9, 0.95)
	if !d.NeedsReview || d.Priority != pipeline.ReviewLow {
		t.Fatalf("Decide(0.9, threshold 0.95) = %+v", d)
	}

	// Zero threshold falls back to the default.
	d = review.Decide(pipeline.StepTagger, 0.7, 0)
	if !d.NeedsReview || d.Priority != pipeline.ReviewLow {
		t.Fatalf("Decide(0.7, threshold 0) = %+v", d)
	}
}
