// Package stats aggregates parsed log entries into per-run totals.
package stats

import (
	"strings"

	"log-processing-service/internal/logparse"
	"log-processing-service/internal/models"
)

// Accumulator keeps running totals for one job attempt. It is owned by a
// single worker goroutine and is not safe for concurrent use.
type Accumulator struct {
	keywords []string
	counters models.Counters
}

// New builds an accumulator tracking the given keywords. Keywords are
// lower-cased and de-duplicated; their counters start at zero and the key set
// never changes afterwards.
func New(keywords []string) *Accumulator {
	a := &Accumulator{
		counters: models.Counters{
			KeywordMatches: make(map[string]int64, len(keywords)),
			IPAddresses:    make(map[string]int64),
		},
	}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, seen := a.counters.KeywordMatches[k]; seen {
			continue
		}
		a.keywords = append(a.keywords, k)
		a.counters.KeywordMatches[k] = 0
	}
	return a
}

// Observe counts one input line. A nil entry (a line that did not parse)
// only bumps the line total.
func (a *Accumulator) Observe(e *logparse.Entry) {
	a.counters.TotalLines++
	if e == nil {
		return
	}

	level := strings.ToLower(e.Level)
	if strings.Contains(level, "error") {
		a.counters.ErrorCount++
	} else if strings.Contains(level, "warning") {
		a.counters.WarningCount++
	}

	// Keywords are matched against the level, not the message text.
	if e.Message != "" {
		for _, k := range a.keywords {
			if strings.Contains(level, k) {
				a.counters.KeywordMatches[k]++
			}
		}
	}

	if e.IP != "" {
		a.counters.IPAddresses[e.IP]++
	}
}

// Lines returns the number of lines observed so far.
func (a *Accumulator) Lines() int64 {
	return a.counters.TotalLines
}

// Keywords returns the tracked keyword set in configuration order.
func (a *Accumulator) Keywords() []string {
	return append([]string(nil), a.keywords...)
}

// Snapshot returns a deep copy of the current totals.
func (a *Accumulator) Snapshot() models.Counters {
	out := a.counters
	out.KeywordMatches = make(map[string]int64, len(a.counters.KeywordMatches))
	for k, v := range a.counters.KeywordMatches {
		out.KeywordMatches[k] = v
	}
	out.IPAddresses = make(map[string]int64, len(a.counters.IPAddresses))
	for k, v := range a.counters.IPAddresses {
		out.IPAddresses[k] = v
	}
	return out
}
