package logging

// LogEntry is a structured log record with fields relevant to extraction runs.
type LogEntry struct {
	Time     int64
	Severity Severity
	Message  string
	File     string
	Line     int

	// Extraction-specific fields.
	InvocationID string // ID of the in-flight extraction, if any
	Attempt      int    // 0-based attempt index, -1 when not in an attempt

	// General structured data
	Fields map[string]interface{}
}
