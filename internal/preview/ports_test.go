package preview

import "testing"

func TestPortPoolAllocatesLowestFirst(t *testing.T) {
	p := NewPortPool(3100, 3102)

	got, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if got != 3100 {
		t.Errorf("expected 3100, got %d", got)
	}

	got, err = p.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if got != 3101 {
		t.Errorf("expected 3101, got %d", got)
	}
}

func TestPortPoolExhaustion(t *testing.T) {
	p := NewPortPool(3100, 3101)
	if _, err := p.Allocate(); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := p.Allocate(); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := p.Allocate(); err != ErrNoPortsAvailable {
		t.Errorf("expected ErrNoPortsAvailable, got %v", err)
	}
}

func TestPortPoolReleaseReturnsToFreePool(t *testing.T) {
	p := NewPortPool(3100, 3100)
	port, _ := p.Allocate()
	p.Release(port)

	got, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release failed: %v", err)
	}
	if got != port {
		t.Errorf("expected re-allocation of released port %d, got %d", port, got)
	}
}

func TestPortPoolReleaseUnallocatedIsNoop(t *testing.T) {
	p := NewPortPool(3100, 3101)
	p.Release(3100) // not allocated; must not panic or corrupt state
	if p.InUse(3100) {
		t.Error("expected 3100 to remain free")
	}
}

func TestPortPoolSize(t *testing.T) {
	p := NewPortPool(3100, 3200)
	if p.Size() != 101 {
		t.Errorf("expected size 101, got %d", p.Size())
	}
}
