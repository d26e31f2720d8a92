package coordinator

// eventDedup remembers recently processed inbound event ids, most recent
// first. The network may redeliver membership/security notifications, so
// every handler consults this before doing anything else.
//
// Not goroutine-safe on its own; the coordinator's lock guards it.
type eventDedup struct {
	cap int
	ids []string
}

func newEventDedup(cap int) *eventDedup {
	if cap <= 0 {
		cap = defaultDedupCacheSize
	}
	return &eventDedup{cap: cap}
}

// shouldProcess reports whether id has not been seen recently, recording
// it at the front of the cache. A replayed id leaves the cache unchanged.
func (d *eventDedup) shouldProcess(id string) bool {
	for _, seen := range d.ids {
		if seen == id {
			return false
		}
	}
	d.ids = append(d.ids, "")
	copy(d.ids[1:], d.ids)
	d.ids[0] = id
	d.trim()
	return true
}

// trim truncates to the cap in bulk, dropping the oldest tail entries.
func (d *eventDedup) trim() {
	if len(d.ids) > d.cap {
		d.ids = d.ids[:d.cap]
	}
}

func (d *eventDedup) size() int { return len(d.ids) }
