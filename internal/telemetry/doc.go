// Package telemetry defines the values that flow from a field controller to
// the recorder: register readings, change events, the wire message carried
// over MQTT, and the change detector that decides which readings are new.
//
// A reading is "new" when its status or counter register differs from the
// last reading seen for the same machine, or when no reading has been seen
// yet. The detector records every observation, emitted or not, so a stable
// machine is reported exactly once and then suppressed until it changes.
//
// Both the gateway and the recorder run a ChangeDetector. The gateway's
// decides what to publish; the recorder's filters redelivered messages
// before they reach the store.
package telemetry
