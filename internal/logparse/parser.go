// Package logparse decodes single log lines of the form
//
//	[TIMESTAMP] LEVEL message {optional json payload}
//
// into structured entries.
package logparse

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// linePattern captures timestamp, level, message and an optional trailing object.
var linePattern = regexp.MustCompile(`^\[(.*?)\]\s+(\w+)\s+(.*?)(?:\s+(\{.*\}))?$`)

// Entry is the structured form of one log line.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	IP        string         `json:"ip,omitempty"`
}

// Parse returns nil when the line is not log-shaped. A line whose trailing
// payload is not valid JSON still yields an entry; its message then carries
// the raw payload text and no payload or IP is set.
func Parse(line string) *Entry {
	m := linePattern.FindStringSubmatchIndex(line)
	if m == nil {
		return nil
	}
	entry := &Entry{
		Timestamp: line[m[2]:m[3]],
		Level:     line[m[4]:m[5]],
		Message:   line[m[6]:m[7]],
	}
	if m[8] < 0 {
		return entry
	}

	raw := line[m[8]:m[9]]
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		entry.Message = line[m[6]:]
		return entry
	}
	entry.Payload = payload
	entry.IP = ipField(payload)
	return entry
}

func ipField(payload map[string]any) string {
	v, ok := payload["ip"]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if !t {
			return ""
		}
	case float64:
		if t == 0 {
			return ""
		}
	}
	return fmt.Sprint(v)
}
