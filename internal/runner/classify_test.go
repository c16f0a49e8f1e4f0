package runner

import "testing"

func TestClassifySuccess(t *testing.T) {
	if got := Classify(0, false, ""); got != OutcomeSuccess {
		t.Errorf("expected OutcomeSuccess, got %v", got)
	}
}

func TestClassifyTransientNonZeroExit(t *testing.T) {
	got := Classify(1, false, "some ordinary failure message")
	if got != OutcomeTransient {
		t.Errorf("expected OutcomeTransient, got %v", got)
	}
}

func TestClassifyTransientTimeout(t *testing.T) {
	got := Classify(0, true, "")
	if got != OutcomeTransient {
		t.Errorf("expected OutcomeTransient for timeout, got %v", got)
	}
}

func TestClassifyPermanentOnFatalMarker(t *testing.T) {
	cases := []string{
		"FATAL: could not reach upstream",
		"panic: runtime error",
		"Authentication failed for token",
		"Quota Exceeded for this account",
	}
	for _, tail := range cases {
		if got := Classify(1, false, tail); got != OutcomePermanent {
			t.Errorf("stderr %q: expected OutcomePermanent, got %v", tail, got)
		}
	}
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	if got := Classify(1, false, "INVALID API KEY supplied"); got != OutcomePermanent {
		t.Errorf("expected case-insensitive match to OutcomePermanent, got %v", got)
	}
}
