// Package logging configures log/slog for the gateway and recorder.
//
// Output is JSON by default and logfmt-style text when format is "text".
// Records below the configured level are dropped, and every record is
// stamped with the service name and build version:
//
//	logging:
//	  level: info      # debug, info, warn, error
//	  format: json     # json, text
//	  output: stdout   # stdout, stderr
//
// Attributes whose key contains password, token or secret are replaced
// with [REDACTED] before they are written.
package logging
