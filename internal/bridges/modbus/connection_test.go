package modbus

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(plc *fakePLC, signals chan Signal, maxRetries int, delay time.Duration) *Connection {
	dev := testDevice("45051")
	return NewConnection(ConnectionOptions{
		Device:         dev,
		Dialer:         &fakeDialer{plcs: map[string]*fakePLC{dev.MachineCode: plc}},
		MaxRetries:     maxRetries,
		ReconnectDelay: delay,
		Signals:        signals,
	})
}

func TestConnection_ConnectAndRead(t *testing.T) {
	plc := newFakePLC(10, 0, 5)
	conn := newTestConnection(plc, nil, 3, time.Second)

	assert.Equal(t, StateDisconnected, conn.State())
	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, StateConnected, conn.State())

	regs, err := conn.ReadRegisters(context.Background(), 45, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 0, 5}, regs)

	// Connecting again is a no-op.
	require.NoError(t, conn.Connect(context.Background()))
	assert.EqualValues(t, 1, plc.dials.Load())

	snap := conn.Snapshot()
	assert.Equal(t, "45051", snap.MachineCode)
	assert.EqualValues(t, 1, snap.Reads)
	assert.False(t, snap.ConnectedSince.IsZero())
}

func TestConnection_ReadNotConnected(t *testing.T) {
	conn := newTestConnection(newFakePLC(1, 2, 3), nil, 3, time.Second)

	_, err := conn.ReadRegisters(context.Background(), 45, 3)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnection_ReadCancelledContext(t *testing.T) {
	conn := newTestConnection(newFakePLC(1, 2, 3), nil, 3, time.Second)
	require.NoError(t, conn.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := conn.ReadRegisters(ctx, 45, 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateConnected, conn.State())
}

func TestConnection_ConnectFailure(t *testing.T) {
	plc := newFakePLC(1, 2, 3)
	plc.setRefuse(true)
	conn := newTestConnection(plc, nil, 3, time.Second)

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "45051", cerr.MachineCode)
	assert.Equal(t, "connect", cerr.Op)

	assert.Equal(t, StateDisconnected, conn.State())
	assert.NotEmpty(t, conn.Snapshot().LastError)
}

func TestConnection_ConcurrentConnect(t *testing.T) {
	plc := newFakePLC(1, 2, 3)
	plc.blockDial = make(chan struct{})
	conn := newTestConnection(plc, nil, 3, time.Second)

	first := make(chan error, 1)
	go func() {
		first <- conn.Connect(context.Background())
	}()

	require.Eventually(t, func() bool {
		return conn.State() == StateConnecting
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, conn.Connect(context.Background()), ErrAlreadyConnecting)

	close(plc.blockDial)
	require.NoError(t, <-first)
	assert.Equal(t, StateConnected, conn.State())
	assert.EqualValues(t, 1, plc.dials.Load())
}

func TestConnection_ProtocolErrorKeepsSession(t *testing.T) {
	plc := newFakePLC(10, 0, 5)
	plc.short = true
	conn := newTestConnection(plc, nil, 3, time.Second)
	require.NoError(t, conn.Connect(context.Background()))

	_, err := conn.ReadRegisters(context.Background(), 45, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.NotErrorIs(t, err, ErrConnection)
	assert.Equal(t, StateConnected, conn.State())
	assert.EqualValues(t, 1, conn.Snapshot().ReadErrors)
}

func TestConnection_TransportErrorReconnects(t *testing.T) {
	plc := newFakePLC(10, 0, 5)
	conn := newTestConnection(plc, nil, 3, 10*time.Millisecond)
	require.NoError(t, conn.Connect(context.Background()))

	plc.setReadErr(io.EOF)
	_, err := conn.ReadRegisters(context.Background(), 45, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateReconnectWaiting, conn.State())
	assert.Equal(t, 1, conn.Snapshot().RetryCount)

	plc.setReadErr(nil)
	require.Eventually(t, func() bool {
		return conn.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 2, plc.dials.Load())
	assert.Equal(t, 0, conn.Snapshot().RetryCount)

	regs, err := conn.ReadRegisters(context.Background(), 45, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 0, 5}, regs)
}

func TestConnection_ReconnectBudgetExhausted(t *testing.T) {
	plc := newFakePLC(10, 0, 5)
	signals, drain := signalCollector()
	conn := newTestConnection(plc, signals, 2, 5*time.Millisecond)
	require.NoError(t, conn.Connect(context.Background()))

	plc.setRefuse(true)
	plc.setReadErr(io.EOF)
	_, err := conn.ReadRegisters(context.Background(), 45, 3)
	require.ErrorIs(t, err, ErrConnection)

	require.Eventually(t, func() bool {
		return len(signals) == 1
	}, time.Second, 5*time.Millisecond)

	got := drain()
	require.Len(t, got, 1)
	assert.Equal(t, "45051", got[0].MachineCode)
	assert.ErrorIs(t, got[0].Err, ErrMaxRetriesExceeded)

	assert.Equal(t, StateDisconnected, conn.State())
	// One initial dial plus one per retry.
	assert.EqualValues(t, 3, plc.dials.Load())

	// No further attempts once parked.
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 3, plc.dials.Load())
	assert.Empty(t, drain())
}

func TestConnection_DisconnectCancelsReconnect(t *testing.T) {
	plc := newFakePLC(10, 0, 5)
	conn := newTestConnection(plc, nil, 3, 50*time.Millisecond)
	require.NoError(t, conn.Connect(context.Background()))

	plc.setReadErr(io.EOF)
	_, err := conn.ReadRegisters(context.Background(), 45, 3)
	require.Error(t, err)
	require.Equal(t, StateReconnectWaiting, conn.State())

	conn.Disconnect()
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, 0, conn.Snapshot().RetryCount)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, plc.dials.Load())
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnection_DisconnectIdempotent(t *testing.T) {
	conn := newTestConnection(newFakePLC(1, 2, 3), nil, 3, time.Second)

	conn.Disconnect()
	require.NoError(t, conn.Connect(context.Background()))
	conn.Disconnect()
	conn.Disconnect()

	assert.Equal(t, StateDisconnected, conn.State())
	_, err := conn.ReadRegisters(context.Background(), 45, 3)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnection_DisconnectWhileConnecting(t *testing.T) {
	plc := newFakePLC(1, 2, 3)
	plc.blockDial = make(chan struct{})
	conn := newTestConnection(plc, nil, 3, time.Second)

	result := make(chan error, 1)
	go func() {
		result <- conn.Connect(context.Background())
	}()
	require.Eventually(t, func() bool {
		return conn.State() == StateConnecting
	}, time.Second, time.Millisecond)

	conn.Disconnect()
	close(plc.blockDial)

	err := <-result
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnection_ScheduleReconnect(t *testing.T) {
	plc := newFakePLC(1, 2, 3)
	plc.setRefuse(true)
	conn := newTestConnection(plc, nil, 3, 5*time.Millisecond)

	err := conn.Connect(context.Background())
	require.Error(t, err)

	plc.setRefuse(false)
	conn.ScheduleReconnect(err)

	require.Eventually(t, func() bool {
		return conn.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	// Ignored unless disconnected.
	conn.ScheduleReconnect(errors.New("ignored"))
	assert.Equal(t, StateConnected, conn.State())
}

func TestConnection_FailureCounter(t *testing.T) {
	conn := newTestConnection(newFakePLC(1, 2, 3), nil, 3, time.Second)

	assert.Equal(t, 1, conn.RecordFailure(errors.New("a")))
	assert.Equal(t, 2, conn.RecordFailure(errors.New("b")))
	assert.Equal(t, 2, conn.Failures())

	conn.ResetFailures()
	assert.Equal(t, 0, conn.Failures())

	conn.RecordFailure(nil)
	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, 0, conn.Failures(), "successful connect resets failures")
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnectWaiting, "reconnect_waiting"},
		{State(9), "state(9)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
		text, err := tt.state.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(text))
	}
}

func TestState_UnmarshalText(t *testing.T) {
	for _, want := range []State{StateDisconnected, StateConnecting, StateConnected, StateReconnectWaiting} {
		var got State
		require.NoError(t, got.UnmarshalText([]byte(want.String())))
		assert.Equal(t, want, got)
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("state(9)")))
}
