package runner

import "testing"

func TestNewPromptQueue(t *testing.T) {
	q := NewPromptQueue()
	if q == nil {
		t.Fatal("NewPromptQueue returned nil")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
}

func TestSeedOrdersByOrdinal(t *testing.T) {
	q := NewPromptQueue()
	q.Seed([]string{"P0", "P1", "P2"})

	if q.Len() != 3 {
		t.Fatalf("expected Len() = 3, got %d", q.Len())
	}
	for i, want := range []string{"P0", "P1", "P2"} {
		item, ok := q.Pop()
		if !ok {
			t.Fatalf("expected item at index %d", i)
		}
		if item.Ordinal != i {
			t.Errorf("item %d: expected ordinal %d, got %d", i, i, item.Ordinal)
		}
		if item.PromptText != want {
			t.Errorf("item %d: expected prompt %q, got %q", i, want, item.PromptText)
		}
		if item.Origin != OriginPlan {
			t.Errorf("item %d: expected origin plan, got %s", i, item.Origin)
		}
	}
}

func TestAppendCustomContinuesOrdinals(t *testing.T) {
	q := NewPromptQueue()
	q.Seed([]string{"P0", "P1"})

	cp := q.AppendCustom("CP", "cp-1")
	if cp.Ordinal != 2 {
		t.Errorf("expected custom prompt ordinal 2, got %d", cp.Ordinal)
	}
	if cp.Origin != OriginCustom {
		t.Errorf("expected origin custom, got %s", cp.Origin)
	}
	if cp.CustomPromptID != "cp-1" {
		t.Errorf("expected custom prompt id cp-1, got %s", cp.CustomPromptID)
	}

	if q.Len() != 3 {
		t.Fatalf("expected Len() = 3, got %d", q.Len())
	}
	q.Pop()
	q.Pop()
	item, ok := q.Pop()
	if !ok || item.PromptText != "CP" {
		t.Errorf("expected CP at tail, got %+v (ok=%v)", item, ok)
	}
}

func TestAppendCustomOrdinalsSurvivePops(t *testing.T) {
	q := NewPromptQueue()
	q.Seed([]string{"P0"})
	q.Pop()

	cp := q.AppendCustom("CP", "cp-1")
	if cp.Ordinal != 1 {
		t.Errorf("expected ordinal to continue from seeded count despite pop, got %d", cp.Ordinal)
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := NewPromptQueue()
	q.Seed([]string{"P0"})

	if _, ok := q.Peek(); !ok {
		t.Fatal("expected peek to find an item")
	}
	if q.Len() != 1 {
		t.Errorf("expected peek to leave queue unchanged, Len() = %d", q.Len())
	}
}

func TestPopEmptyQueue(t *testing.T) {
	q := NewPromptQueue()
	if _, ok := q.Pop(); ok {
		t.Error("expected Pop on empty queue to return ok=false")
	}
}
