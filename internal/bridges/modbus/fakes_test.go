package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/machine-telemetry/internal/telemetry"
)

// fakePLC is an in-memory controller behind fakeTransport.
type fakePLC struct {
	mu        sync.Mutex
	regs      []int
	refuse    bool  // dials fail
	readErr   error // every read fails with this error
	short     bool  // reads return one byte too few
	failReads int   // the next failReads reads are short
	increment int   // register bumped after each read, -1 for none
	dials     atomic.Int32
	blockDial chan struct{}
	panicRead bool
}

func newFakePLC(regs ...int) *fakePLC {
	return &fakePLC{regs: regs, increment: -1}
}

func (p *fakePLC) set(regs ...int) {
	p.mu.Lock()
	p.regs = regs
	p.mu.Unlock()
}

func (p *fakePLC) setRefuse(v bool) {
	p.mu.Lock()
	p.refuse = v
	p.mu.Unlock()
}

func (p *fakePLC) setReadErr(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
}

// fakeTransport is one session to a fakePLC.
type fakeTransport struct {
	plc    *fakePLC
	closed atomic.Bool
}

func (t *fakeTransport) ReadHoldingRegisters(_, quantity uint16) ([]byte, error) {
	if t.closed.Load() {
		return nil, errClosedSession
	}

	t.plc.mu.Lock()
	defer t.plc.mu.Unlock()

	if t.plc.panicRead {
		panic("controller exploded")
	}
	if t.plc.readErr != nil {
		return nil, t.plc.readErr
	}

	raw := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity) && i < len(t.plc.regs); i++ {
		binary.BigEndian.PutUint16(raw[i*2:], uint16(t.plc.regs[i]))
	}
	if t.plc.increment >= 0 && t.plc.increment < len(t.plc.regs) {
		t.plc.regs[t.plc.increment]++
	}
	if t.plc.short || t.plc.failReads > 0 {
		raw = raw[:len(raw)-1]
	}
	if t.plc.failReads > 0 {
		t.plc.failReads--
	}
	return raw, nil
}

func (t *fakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

var errClosedSession = &closedError{}

// closedError mimics the net.Error returned for reads on a closed socket.
type closedError struct{}

func (*closedError) Error() string   { return "use of closed network connection" }
func (*closedError) Timeout() bool   { return false }
func (*closedError) Temporary() bool { return false }

// fakeDialer dials fakePLCs by machine code.
type fakeDialer struct {
	plcs map[string]*fakePLC
}

func (d *fakeDialer) Dial(ctx context.Context, dev Device) (Transport, error) {
	plc, ok := d.plcs[dev.MachineCode]
	if !ok {
		return nil, fmt.Errorf("no such device %s", dev.MachineCode)
	}
	plc.dials.Add(1)

	if plc.blockDial != nil {
		select {
		case <-plc.blockDial:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	plc.mu.Lock()
	refuse := plc.refuse
	plc.mu.Unlock()
	if refuse {
		return nil, errors.New("connection refused")
	}
	return &fakeTransport{plc: plc}, nil
}

// recordingPublisher records published events and can be told to fail.
type recordingPublisher struct {
	mu       sync.Mutex
	events   map[string][]telemetry.ChangeEvent
	attempts atomic.Int32
	failNext atomic.Int32
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string][]telemetry.ChangeEvent)}
}

func (p *recordingPublisher) Publish(_ context.Context, machineCode string, ev telemetry.ChangeEvent) error {
	p.attempts.Add(1)
	if p.failNext.Load() > 0 {
		p.failNext.Add(-1)
		return &PublishError{MachineCode: machineCode, Topic: "test", Err: errors.New("broker down")}
	}

	p.mu.Lock()
	p.events[machineCode] = append(p.events[machineCode], ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count(machineCode string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events[machineCode])
}

func (p *recordingPublisher) last(machineCode string) (telemetry.ChangeEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	evs := p.events[machineCode]
	if len(evs) == 0 {
		return telemetry.ChangeEvent{}, false
	}
	return evs[len(evs)-1], true
}

// testDevice returns a device with a three-register window.
func testDevice(code string) Device {
	return Device{
		MachineCode:  code,
		Name:         "Machine " + code,
		Address:      "fake:" + code,
		UnitID:       1,
		StartAddress: 45,
		Length:       3,
	}
}

// signalCollector counts signals from a connection.
func signalCollector() (chan Signal, func() []Signal) {
	ch := make(chan Signal, 16)
	return ch, func() []Signal {
		var out []Signal
		for {
			select {
			case s := <-ch:
				out = append(out, s)
			default:
				return out
			}
		}
	}
}

// blockingPublisher blocks every publish until release is closed or ctx ends.
type blockingPublisher struct {
	release chan struct{}
	entered atomic.Int32
}

func (p *blockingPublisher) Publish(ctx context.Context, _ string, _ telemetry.ChangeEvent) error {
	p.entered.Add(1)
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
