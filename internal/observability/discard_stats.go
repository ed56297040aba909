// Package observability tracks normalizer metrics and contract discard
// statistics.
package observability

import (
	"sort"
	"sync"
	"time"
)

// DiscardStats tracks how often schema contracts dropped values or rows,
// per table and column, over a sliding window.
type DiscardStats struct {
	mu      sync.RWMutex
	columns map[string]*ColumnStats
	window  time.Duration
	now     func() time.Time
}

// ColumnStats holds discard statistics for one table column. Column is empty
// for discards of whole rows or tables.
type ColumnStats struct {
	Table     string           `json:"table"`
	Column    string           `json:"column,omitempty"`
	Frequency int64            `json:"frequency"`
	LastSeen  time.Time        `json:"last_seen"`
	Modes     map[string]int64 `json:"modes"` // contract mode → count (e.g., "discard_value" → 5)
}

// NewDiscardStats creates a tracker. window: time duration for pruning old
// entries (e.g., 1 hour). A window <= 0 keeps entries forever.
func NewDiscardStats(window time.Duration) *DiscardStats {
	return &DiscardStats{
		columns: make(map[string]*ColumnStats),
		window:  window,
		now:     time.Now,
	}
}

func statsKey(table, column string) string {
	return table + "\x00" + column
}

// Record records one discard. This method is O(1) and thread-safe.
func (d *DiscardStats) Record(table, column, mode string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := statsKey(table, column)
	stats, exists := d.columns[key]
	if !exists {
		stats = &ColumnStats{
			Table:  table,
			Column: column,
			Modes:  make(map[string]int64),
		}
		d.columns[key] = stats
	}

	stats.Frequency++
	stats.LastSeen = d.now()
	stats.Modes[mode]++
}

// Top returns copies of the n most frequent entries, most frequent first.
// Ties are broken by table and column name.
func (d *DiscardStats) Top(n int) []ColumnStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if n <= 0 || len(d.columns) == 0 {
		return []ColumnStats{}
	}

	stats := make([]ColumnStats, 0, len(d.columns))
	for _, s := range d.columns {
		cp := *s
		cp.Modes = make(map[string]int64, len(s.Modes))
		for m, c := range s.Modes {
			cp.Modes[m] = c
		}
		stats = append(stats, cp)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		if stats[i].Table != stats[j].Table {
			return stats[i].Table < stats[j].Table
		}
		return stats[i].Column < stats[j].Column
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes entries not seen within the window.
// This should be called periodically (e.g., every 5 minutes).
func (d *DiscardStats) Prune() {
	if d.window <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	threshold := d.now().Add(-d.window)
	for key, stats := range d.columns {
		if stats.LastSeen.Before(threshold) {
			delete(d.columns, key)
		}
	}
}

// Len returns the number of tracked entries.
func (d *DiscardStats) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.columns)
}
