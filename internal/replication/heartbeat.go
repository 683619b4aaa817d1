package replication

import (
	"sync"
	"time"

	"github.com/FairForge/drcore/internal/topology"
)

const heartbeatHistory = 256

// heartbeatLog remembers the stamps this process wrote into each source
// region. The lag of a destination is the age of the oldest written stamp
// it has not caught up with, and zero once it holds the newest one.
type heartbeatLog struct {
	mu      sync.Mutex
	limit   int
	written map[topology.RegionID][]int64
	// floor is the newest stamp dropped from written
	floor   map[topology.RegionID]int64
}

func newHeartbeatLog(limit int) *heartbeatLog {
	if limit <= 0 {
		limit = heartbeatHistory
	}
	return &heartbeatLog{
		limit:   limit,
		written: make(map[topology.RegionID][]int64),
		floor:   make(map[topology.RegionID]int64),
	}
}

func (l *heartbeatLog) record(source topology.RegionID, stamp int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := append(l.written[source], stamp)
	if len(w) > l.limit {
		drop := len(w) - l.limit
		l.floor[source] = w[drop-1]
		w = append([]int64(nil), w[drop:]...)
	}
	l.written[source] = w
}

// lag derives the lag of a destination holding dst while the source holds
// src. Stamps this process cannot account for are aged from dst, which
// overstates rather than hides lag.
func (l *heartbeatLog) lag(source topology.RegionID, src, dst, now time.Time) time.Duration {
	if !dst.Before(src) {
		return 0
	}
	d := dst.UnixNano()

	l.mu.Lock()
	defer l.mu.Unlock()

	if d < l.floor[source] {
		return age(now, dst)
	}
	for _, w := range l.written[source] {
		if w > d {
			return age(now, time.Unix(0, w))
		}
	}
	return age(now, dst)
}

func age(now, stamp time.Time) time.Duration {
	if d := now.Sub(stamp); d > 0 {
		return d
	}
	return 0
}
