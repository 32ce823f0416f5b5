// Package recorder is the consumer side of the telemetry channel.
//
// A Consumer receives machine messages from MQTT in order, decides for
// itself whether each one is a change, and persists accepted changes to the
// machine store (and optionally mirrors them to InfluxDB). A bad message or
// a failed write is logged and skipped; consumption never stops.
//
// Several recorders may share one consumer group. Each then receives an
// arbitrary subset of every machine's messages, so the local change check
// is skipped and the producer's is_update flag decides. The store keeps the
// snapshot at the newest capture time and ignores repeated history rows.
//
// A Pruner enforces the history retention window on a fixed interval.
package recorder
