// Package oracle provides PredictionOracle implementations and the price
// history they are built on.
package oracle

import (
	"math"
	"sync"
	"time"
)

// PricePoint records a single price observation at a point in time.
type PricePoint struct {
	Price float64
	Time  time.Time
}

// PriceTracker keeps a bounded, time-windowed price history per venue.
// Track only appends; Prune is the explicit trim and callers invoke it
// once per update.
type PriceTracker struct {
	window    time.Duration
	maxPoints int

	mu      sync.RWMutex
	history map[string][]PricePoint
}

// NewPriceTracker creates a tracker. A zero window means 24h and a
// non-positive maxPoints means no count bound.
func NewPriceTracker(window time.Duration, maxPoints int) *PriceTracker {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &PriceTracker{
		window:    window,
		maxPoints: maxPoints,
		history:   make(map[string][]PricePoint),
	}
}

// Track records a price observation for venueID. A point that is not
// strictly after the last one held for the venue is dropped, keeping each
// history in time order. It reports whether the point was kept.
func (pt *PriceTracker) Track(venueID string, price float64, ts time.Time) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pts := pt.history[venueID]
	if n := len(pts); n > 0 && !ts.After(pts[n-1].Time) {
		return false
	}
	pt.history[venueID] = append(pts, PricePoint{Price: price, Time: ts})
	return true
}

// Prune drops points older than the window relative to now and, past that,
// the oldest points beyond maxPoints. It returns how many were dropped.
func (pt *PriceTracker) Prune(now time.Time) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	cutoff := now.Add(-pt.window)
	dropped := 0
	for id, pts := range pt.history {
		i := 0
		for i < len(pts) && pts[i].Time.Before(cutoff) {
			i++
		}
		if pt.maxPoints > 0 && len(pts)-i > pt.maxPoints {
			i = len(pts) - pt.maxPoints
		}
		if i == 0 {
			continue
		}
		dropped += i
		if i == len(pts) {
			delete(pt.history, id)
			continue
		}
		// copy so the dropped prefix can be collected
		kept := make([]PricePoint, len(pts)-i)
		copy(kept, pts[i:])
		pt.history[id] = kept
	}
	return dropped
}

// History returns a copy of the points held for venueID.
func (pt *PriceTracker) History(venueID string) []PricePoint {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	src := pt.history[venueID]
	if len(src) == 0 {
		return nil
	}
	out := make([]PricePoint, len(src))
	copy(out, src)
	return out
}

// Len returns the number of points held for venueID.
func (pt *PriceTracker) Len(venueID string) int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.history[venueID])
}

// Average returns the mean price, or 0 with no points.
func Average(pts []PricePoint) float64 {
	if len(pts) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pts {
		sum += p.Price
	}
	return sum / float64(len(pts))
}

// Volatility returns the population standard deviation of the prices.
// Fewer than two points give 0.
func Volatility(pts []PricePoint) float64 {
	if len(pts) < 2 {
		return 0
	}
	mean := Average(pts)
	var variance float64
	for _, p := range pts {
		d := p.Price - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(pts)))
}

// Slope returns the least-squares price drift per second. Fewer than two
// points, or all points at the same instant, give 0.
func Slope(pts []PricePoint) float64 {
	if len(pts) < 2 {
		return 0
	}
	t0 := pts[0].Time
	var sx, sy, sxx, sxy float64
	for _, p := range pts {
		x := p.Time.Sub(t0).Seconds()
		sx += x
		sy += p.Price
		sxx += x * x
		sxy += x * p.Price
	}
	n := float64(len(pts))
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}
