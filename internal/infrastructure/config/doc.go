// Package config loads the YAML file shared by telemetry-gateway and
// telemetry-recorder.
//
// Load starts from built-in defaults, overlays the file, then applies
// TELEMETRY_* environment variables, and finally validates the result.
// Devices inherit port 502 and unit ID 1 when they leave them out, and a
// register window shorter than the configured layout is rejected.
//
// Keep the broker password and InfluxDB token out of the file; set
// TELEMETRY_MQTT_PASSWORD and TELEMETRY_INFLUXDB_TOKEN instead.
package config
