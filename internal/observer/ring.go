package observer

import "sync"

// alertRingCap bounds how many alerts are kept for monitoring queries.
const alertRingCap = 256

// alertRing is a fixed-capacity ring buffer of alerts.
type alertRing struct {
	mu    sync.Mutex
	buf   []Alert
	next  int
	count int
}

func newAlertRing(capacity int) *alertRing {
	return &alertRing{buf: make([]Alert, capacity)}
}

func (r *alertRing) add(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = a
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// recent returns up to limit alerts, oldest first. limit <= 0 returns all.
func (r *alertRing) recent(limit int) []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]Alert, 0, limit)
	start := r.next - limit
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < limit; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
