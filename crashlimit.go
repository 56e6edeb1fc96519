package prefork

import "time"

// crashRing is a bounded ring of crash timestamps for one worker slot.
// Its size is the configured crash threshold: once the ring is full and
// the span from oldest to newest entry fits inside the respawn window,
// the slot is presumed to have a deterministic defect and respawning is
// disabled for it.
type crashRing struct {
	times []time.Time
	next  int
	count int
}

func newCrashRing(size int) crashRing {
	if size < 1 {
		size = 1
	}
	return crashRing{times: make([]time.Time, size)}
}

// record appends a crash time, overwriting the oldest entry when full
func (r *crashRing) record(now time.Time) {
	r.times[r.next] = now
	r.next = (r.next + 1) % len(r.times)
	if r.count < len(r.times) {
		r.count++
	}
}

// full reports whether the ring holds as many crashes as its capacity
func (r *crashRing) full() bool {
	return r.count == len(r.times)
}

// span returns the duration between the oldest and newest recorded crash.
// Only meaningful when the ring is full.
func (r *crashRing) span() time.Duration {
	newest := r.times[(r.next+len(r.times)-1)%len(r.times)]
	oldest := r.times[r.next]
	if !r.full() {
		oldest = r.times[0]
	}
	return newest.Sub(oldest)
}

// recordAndDecide records a crash and decides whether the slot may be
// respawned. A false return is sticky at the caller: the slot transitions
// to disabled and never spawns again.
func (r *crashRing) recordAndDecide(now time.Time, window time.Duration) bool {
	r.record(now)
	if r.full() && r.span() <= window {
		return false
	}
	return true
}
