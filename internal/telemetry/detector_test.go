package telemetry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestChangeDetector_FirstReadingEmits(t *testing.T) {
	d := NewChangeDetector()

	if !d.Observe("45051", 10, 5) {
		t.Error("Observe() first reading = false, want true")
	}
}

func TestChangeDetector_SteadyStateSuppressed(t *testing.T) {
	d := NewChangeDetector()

	emitted := 0
	for i := 0; i < 3; i++ {
		if d.Observe("45051", 10, 5) {
			emitted++
		}
	}
	if emitted != 1 {
		t.Errorf("emitted = %d after three identical readings, want 1", emitted)
	}

	if !d.Observe("45051", 10, 6) {
		t.Error("Observe() counter change = false, want true")
	}
	if !d.Observe("45051", 1, 6) {
		t.Error("Observe() status change = false, want true")
	}
	if d.Observe("45051", 1, 6) {
		t.Error("Observe() repeat after change = true, want false")
	}
}

func TestChangeDetector_MachinesIndependent(t *testing.T) {
	d := NewChangeDetector()

	d.Observe("45051", 10, 5)
	if !d.Observe("47", 10, 5) {
		t.Error("Observe() on a new machine with same values = false, want true")
	}
	if d.Len() != 2 {
		t.Errorf("Len() = %d, want 2", d.Len())
	}
}

func TestChangeDetector_Invalidate(t *testing.T) {
	d := NewChangeDetector()

	d.Observe("45051", 10, 5)
	d.Invalidate("45051")

	if _, _, ok := d.LastSeen("45051"); ok {
		t.Error("LastSeen() ok = true after Invalidate")
	}
	if !d.Observe("45051", 10, 5) {
		t.Error("Observe() after Invalidate = false, want true")
	}

	// Unknown machines are a no-op.
	d.Invalidate("unknown")
}

func TestChangeDetector_LastSeen(t *testing.T) {
	d := NewChangeDetector()
	d.Observe("45044", 3, 120)

	status, counter, ok := d.LastSeen("45044")
	if !ok || status != 3 || counter != 120 {
		t.Errorf("LastSeen() = %d, %d, %v; want 3, 120, true", status, counter, ok)
	}
}

func TestChangeDetector_ObserveReading(t *testing.T) {
	d := NewChangeDetector()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	changed, err := d.ObserveReading(NewReading("47", []int{10, 99, 5}, at), DefaultLayout())
	if err != nil {
		t.Fatalf("ObserveReading() error = %v", err)
	}
	if !changed {
		t.Error("ObserveReading() = false, want true")
	}

	// The middle register is not tracked.
	changed, err = d.ObserveReading(NewReading("47", []int{10, 100, 5}, at), DefaultLayout())
	if err != nil {
		t.Fatalf("ObserveReading() error = %v", err)
	}
	if changed {
		t.Error("ObserveReading() untracked register change = true, want false")
	}
}

func TestChangeDetector_ObserveReadingTooShort(t *testing.T) {
	d := NewChangeDetector()

	_, err := d.ObserveReading(NewReading("47", []int{10, 1}, time.Now()), DefaultLayout())
	if !errors.Is(err, ErrTooFewRegisters) {
		t.Errorf("ObserveReading() error = %v, want ErrTooFewRegisters", err)
	}
	if d.Len() != 0 {
		t.Errorf("Len() = %d after rejected reading, want 0", d.Len())
	}
}

func TestChangeDetector_Concurrent(t *testing.T) {
	d := NewChangeDetector()

	const machines = 8
	const ticks = 200

	var wg sync.WaitGroup
	emits := make([]int, machines)
	for m := 0; m < machines; m++ {
		wg.Add(1)
		go func(m int) {
			defer wg.Done()
			code := fmt.Sprintf("m%d", m)
			for i := 0; i < ticks; i++ {
				// Counter advances every 10 ticks.
				if d.Observe(code, 10, i/10) {
					emits[m]++
				}
			}
		}(m)
	}
	wg.Wait()

	for m, n := range emits {
		if n != ticks/10 {
			t.Errorf("machine %d emitted %d, want %d", m, n, ticks/10)
		}
	}
}
