// SPDX-License-Identifier: Apache-2.0

// Package stats is the process-wide statistics collector. It is the only
// mutable structure shared across the reader, writer and index-kernel
// tasks of a run, so every mutation is taken under a single mutex;
// callers are never expected to hold their own lock around it.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

// Field identifies one of the three integer counters tracked per label;
// elapsed time is kept separately through AddTiming.
type Field int

const (
	Read Field = iota
	Rows
	Errs
)

// Counters is the mutable state kept for one label. The writer reports
// Rows only after a batch's COMMIT has succeeded, so the counter never
// runs ahead of the target table; Incr still accepts negative deltas for
// callers that need to un-count.
type Counters struct {
	Read  int64
	Rows  int64
	Errs  int64
	Secs  float64
	Start time.Time
	Stop  time.Time
}

// Stats aggregates Counters keyed by a free-form label, e.g. a table name
// or a phase name like "Foreign Keys" or "Create Indexes".
type Stats struct {
	mu     sync.Mutex
	labels map[string]*Counters
}

// New returns an empty collector.
func New() *Stats {
	return &Stats{labels: make(map[string]*Counters)}
}

func (s *Stats) entry(label string) *Counters {
	c, ok := s.labels[label]
	if !ok {
		c = &Counters{Start: time.Now()}
		s.labels[label] = c
	}
	c.Stop = time.Now()
	return c
}

// Incr adds delta (which may be negative) to field under label, creating
// the label on first use.
func (s *Stats) Incr(label string, field Field, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.entry(label)
	switch field {
	case Read:
		c.Read += delta
	case Rows:
		c.Rows += delta
	case Errs:
		c.Errs += delta
	}
}

// AddTiming adds secs to the accumulated timing for label.
func (s *Stats) AddTiming(label string, secs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(label).Secs += secs
}

// SetRowsFromResult overwrites (rather than increments) the rows counter
// for label, used when a driver result directly reports an authoritative
// row count (e.g. sql.Result.RowsAffected after a COPY).
func (s *Stats) SetRowsFromResult(label string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(label).Rows = n
}

// Snapshot returns a copy of the current counters for label, or the zero
// value if the label has never been touched.
func (s *Stats) Snapshot(label string) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.labels[label]; ok {
		return *c
	}
	return Counters{}
}

// StopFunc is returned by ScopedTimer; calling it records the elapsed
// time and is safe to call more than once (only the first call counts).
type StopFunc func()

// ScopedTimer starts a timer for label and returns a function that
// records the elapsed wall-clock time when called. Callers defer the
// returned function so that timing is recorded even when the scope exits
// via an error return:
//
//	stop := st.ScopedTimer("Foreign Keys")
//	defer stop()
func (s *Stats) ScopedTimer(label string) StopFunc {
	start := time.Now()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.AddTiming(label, time.Since(start).Seconds())
		})
	}
}

// Labels returns every label touched so far, sorted for stable rendering.
func (s *Stats) Labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.labels))
	for name := range s.labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Report phase names, in print order.
var reportPhases = []string{"before load", "load", "indexes", "after load"}

// phaseFor buckets a label into one of the report's grand-total phases:
// schema preparation, row loading (the per-table labels), index builds,
// and schema completion.
func phaseFor(label string) string {
	switch label {
	case "Prepare":
		return "before load"
	case "Create Indexes":
		return "indexes"
	case "Reset Sequences", "Primary Keys", "Foreign Keys":
		return "after load"
	default:
		return "load"
	}
}

// Render prints a per-label table of {read, rows, errs, secs}, grand
// totals for the "before load", "load", "indexes" and "after load"
// phases, and an overall total. It uses pterm's table printer, the same
// library pgbulk uses for its structured logging.
func (s *Stats) Render() string {
	s.mu.Lock()
	rows := [][]string{{"Label", "Read", "Rows", "Errs", "Secs"}}
	phaseTotals := make(map[string]*Counters, len(reportPhases))
	var total Counters
	for _, name := range s.sortedLabelsLocked() {
		c := s.labels[name]
		rows = append(rows, []string{
			name,
			pterm.Sprintf("%d", c.Read),
			pterm.Sprintf("%d", c.Rows),
			pterm.Sprintf("%d", c.Errs),
			pterm.Sprintf("%.2f", c.Secs),
		})

		phase := phaseFor(name)
		p, ok := phaseTotals[phase]
		if !ok {
			p = &Counters{}
			phaseTotals[phase] = p
		}
		p.Read += c.Read
		p.Rows += c.Rows
		p.Errs += c.Errs
		p.Secs += c.Secs

		total.Read += c.Read
		total.Rows += c.Rows
		total.Errs += c.Errs
		total.Secs += c.Secs
	}
	s.mu.Unlock()

	for _, phase := range reportPhases {
		p, ok := phaseTotals[phase]
		if !ok {
			continue
		}
		rows = append(rows, []string{
			phase,
			pterm.Sprintf("%d", p.Read),
			pterm.Sprintf("%d", p.Rows),
			pterm.Sprintf("%d", p.Errs),
			pterm.Sprintf("%.2f", p.Secs),
		})
	}
	rows = append(rows, []string{
		"TOTAL",
		pterm.Sprintf("%d", total.Read),
		pterm.Sprintf("%d", total.Rows),
		pterm.Sprintf("%d", total.Errs),
		pterm.Sprintf("%.2f", total.Secs),
	})

	out, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return err.Error()
	}
	return out
}

func (s *Stats) sortedLabelsLocked() []string {
	names := make([]string, 0, len(s.labels))
	for name := range s.labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
