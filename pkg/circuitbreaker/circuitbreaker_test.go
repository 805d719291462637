package circuitbreaker

import "testing"

type fakeCounter struct{ count int }

func (f fakeCounter) ActiveCount() int { return f.count }

func TestStatusOpensOnContainerCap(t *testing.T) {
	b := New(fakeCounter{count: 15}, 15, 85, true)
	reading := b.Status()
	if !reading.IsOpen {
		t.Fatal("expected the breaker to be open at the container cap")
	}
	if reading.ContainerCount != 15 {
		t.Errorf("expected ContainerCount=15, got %d", reading.ContainerCount)
	}
}

func TestStatusClosedBelowContainerCap(t *testing.T) {
	b := New(fakeCounter{count: 3}, 15, 85, true)
	reading := b.Status()
	if reading.IsOpen {
		t.Fatal("expected the breaker to stay closed below the container cap")
	}
}

func TestStatusDevModeSkipsMemoryProbe(t *testing.T) {
	b := New(fakeCounter{count: 0}, 15, 0, true)
	reading := b.Status()
	if reading.IsOpen {
		t.Error("expected dev mode to bypass the memory probe even with an unreachable threshold")
	}
	if reading.MemoryPercent != 0 {
		t.Error("expected MemoryPercent to stay unset in dev mode")
	}
}
