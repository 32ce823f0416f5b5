package telemetry

import "sync"

// lastSeen is the projection of the previous reading used for comparison.
type lastSeen struct {
	status  int
	counter int
}

// ChangeDetector decides, per machine, whether a reading is a change.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Machines never share entries.
type ChangeDetector struct {
	mu   sync.Mutex
	last map[string]lastSeen
}

// NewChangeDetector returns an empty detector.
func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{last: make(map[string]lastSeen)}
}

// Observe records (status, counter) for machineCode and reports whether it
// should be emitted: true when nothing was seen before or either value
// differs. The stored pair is overwritten whatever the verdict.
func (d *ChangeDetector) Observe(machineCode string, status, counter int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, seen := d.last[machineCode]
	d.last[machineCode] = lastSeen{status: status, counter: counter}

	return !seen || prev.status != status || prev.counter != counter
}

// ObserveReading extracts the tracked registers with layout and calls Observe.
// The detector is left untouched when the reading is too short.
func (d *ChangeDetector) ObserveReading(r Reading, layout RegisterLayout) (bool, error) {
	status, counter, err := layout.Extract(r.registers)
	if err != nil {
		return false, err
	}
	return d.Observe(r.machineCode, status, counter), nil
}

// Invalidate forgets machineCode so its next reading is emitted again.
// Used when a change could not be delivered or persisted.
func (d *ChangeDetector) Invalidate(machineCode string) {
	d.mu.Lock()
	delete(d.last, machineCode)
	d.mu.Unlock()
}

// LastSeen returns the stored pair for machineCode.
func (d *ChangeDetector) LastSeen(machineCode string) (status, counter int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.last[machineCode]
	return v.status, v.counter, ok
}

// Len returns the number of machines with a stored pair.
func (d *ChangeDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}
