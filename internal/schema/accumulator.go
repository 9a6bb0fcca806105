// Package schema accumulates heterogeneous records under a column set that
// widens as new field names appear, and exposes a rectangular view of them.
package schema

import (
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/listing-scraper/internal/record"
)

// Accumulator stores rows and the union of their field names. It is safe for
// concurrent use; AddRow is atomic with respect to Columns, Snapshot and
// NormalizedRows.
type Accumulator struct {
	mu      sync.RWMutex
	columns []string
	known   map[string]struct{}
	rows    []*record.Record
	count   atomic.Int64
}

// New returns an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{known: make(map[string]struct{})}
}

// AddRow unions the record's fields into the column set and appends a copy of
// it. It returns the row count after the append.
func (a *Accumulator) AddRow(r *record.Record) int {
	row := r.Clone()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range row.Keys() {
		if _, ok := a.known[k]; ok {
			continue
		}
		a.known[k] = struct{}{}
		a.columns = append(a.columns, k)
	}
	a.rows = append(a.rows, row)
	return int(a.count.Add(1))
}

// Columns returns the known field names in first-seen order.
func (a *Accumulator) Columns() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.columns))
	copy(out, a.columns)
	return out
}

// RowCount returns the number of appended rows without taking the lock.
func (a *Accumulator) RowCount() int {
	return int(a.count.Load())
}

// NormalizedRows returns one record per stored row containing every current
// column in column order; fields the row never had are null.
func (a *Accumulator) NormalizedRows() []*record.Record {
	_, rows := a.Snapshot()
	return rows
}

// Snapshot returns columns and normalized rows observed at the same instant.
func (a *Accumulator) Snapshot() ([]string, []*record.Record) {
	a.mu.RLock()
	cols := make([]string, len(a.columns))
	copy(cols, a.columns)
	rows := make([]*record.Record, len(a.rows))
	copy(rows, a.rows)
	a.mu.RUnlock()

	out := make([]*record.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, normalize(cols, row))
	}
	return cols, out
}

func normalize(cols []string, row *record.Record) *record.Record {
	n := record.New()
	for _, c := range cols {
		v, ok := row.Get(c)
		if !ok {
			v = record.Null()
		}
		n.Set(c, v)
	}
	return n
}
