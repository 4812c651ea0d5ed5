package cache

import (
	"sync/atomic"
	"time"
)

// Statistics tracks index usage. All methods are safe for concurrent use.
type Statistics struct {
	hits        atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64
	deletes     atomic.Int64
	currentSize atomic.Int64
	maxSize     atomic.Int64
	startTime   time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Hit records a lookup that found its key.
func (s *Statistics) Hit() { s.hits.Add(1) }

// Miss records a lookup that did not find its key.
func (s *Statistics) Miss() { s.misses.Add(1) }

// Set records a write.
func (s *Statistics) Set() { s.sets.Add(1) }

// Delete records a removal.
func (s *Statistics) Delete() { s.deletes.Add(1) }

// UpdateSize records the current entry count and tracks the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.currentSize.Store(size)
	for {
		peak := s.maxSize.Load()
		if size <= peak || s.maxSize.CompareAndSwap(peak, size) {
			return
		}
	}
}

// Hits returns the total number of hits.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the total number of misses.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the total number of writes.
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Deletes returns the total number of removals.
func (s *Statistics) Deletes() int64 { return s.deletes.Load() }

// CurrentSize returns the last recorded entry count.
func (s *Statistics) CurrentSize() int64 { return s.currentSize.Load() }

// MaxSize returns the largest entry count seen.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// HitRatio returns hits / (hits + misses), or 0 with no lookups.
func (s *Statistics) HitRatio() float64 {
	hits := s.Hits()
	total := hits + s.Misses()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Uptime returns how long the index has existed.
func (s *Statistics) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// StatsSummary is a JSON-friendly snapshot.
type StatsSummary struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Sets        int64   `json:"sets"`
	Deletes     int64   `json:"deletes"`
	CurrentSize int64   `json:"current_size"`
	MaxSize     int64   `json:"max_size"`
	HitRatio    float64 `json:"hit_ratio"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Hits:        s.Hits(),
		Misses:      s.Misses(),
		Sets:        s.Sets(),
		Deletes:     s.Deletes(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		HitRatio:    s.HitRatio(),
	}
}
