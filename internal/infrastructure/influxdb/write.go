package influxdb

import (
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// measurementMachineState holds the mirrored machine history.
const measurementMachineState = "machine_state"

// MachineReading is one accepted machine change.
type MachineReading struct {
	MachineCode   string
	DisplayName   string
	OperationName string
	StatusCode    int
	Counter       int
	Registers     []int
	CapturedAt    time.Time
}

// WriteMachineReading queues r for the next batch. Dropped silently once
// the client is closed.
func (c *Client) WriteMachineReading(r MachineReading) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(machineReadingPoint(r))
	c.written.Add(1)
}

// machineReadingPoint tags the point by machine_code, machine_name and
// operation (empty tags are left out) and stores status_code, counter and
// one register_N field per raw register.
func machineReadingPoint(r MachineReading) *write.Point {
	p := influxdb2.NewPointWithMeasurement(measurementMachineState).
		AddTag("machine_code", r.MachineCode).
		AddField("status_code", r.StatusCode).
		AddField("counter", r.Counter).
		SetTime(r.CapturedAt)

	if r.DisplayName != "" {
		p.AddTag("machine_name", r.DisplayName)
	}
	if r.OperationName != "" {
		p.AddTag("operation", r.OperationName)
	}
	for i, v := range r.Registers {
		p.AddField("register_"+strconv.Itoa(i), v)
	}
	return p
}
