// Package internaldefs holds the shared metric definitions used by the
// Prometheus and OpenTelemetry exporters so the two expose identical names.
//
// It is internal in spirit; nothing outside the export packages should
// import it.
package internaldefs
