package runner

import "strings"

// Outcome is the classification of one agent invocation attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

// fatalMarkers are substrings in the agent's stderr tail that indicate an
// unrecoverable failure regardless of exit code. §9 documents this as a
// heuristic, not a guarantee: the only contract is that a classifier exists
// and is monotone (never re-classifies a fatal attempt as transient).
var fatalMarkers = []string{
	"FATAL:",
	"panic:",
	"out of memory",
	"authentication failed",
	"invalid api key",
	"quota exceeded",
	"workspace corrupted",
}

// Classify decides the Outcome of one attempt given its exit code, whether
// it was killed for exceeding the step timeout, and the bounded stderr tail
// captured during execution (§4.1 step 4, §7).
func Classify(exitCode int, timedOut bool, stderrTail string) Outcome {
	if exitCode == 0 && !timedOut {
		return OutcomeSuccess
	}
	lower := strings.ToLower(stderrTail)
	for _, marker := range fatalMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return OutcomePermanent
		}
	}
	// Timeout and non-fatal non-zero exits are transient by default; the
	// caller still enforces the attempt budget to turn repeated transient
	// failures into a permanent one.
	return OutcomeTransient
}
