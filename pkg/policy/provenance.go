package policy

import "sync"

const (
	// DefaultRecentEvents is how many ids accompany a proposal.
	DefaultRecentEvents = 50

	maxTrackedEvents = 1000
)

// Provenance remembers the ids of recently ingested facts so that later
// proposals can cite them. It is safe for concurrent use.
type Provenance struct {
	mu  sync.Mutex
	ids []EventID
}

// Track appends ids, ignoring zero values.
func (p *Provenance) Track(ids ...EventID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		if id != 0 {
			p.ids = append(p.ids, id)
		}
	}
	if over := len(p.ids) - maxTrackedEvents; over > 0 {
		p.ids = append(p.ids[:0:0], p.ids[over:]...)
	}
}

// Recent returns up to limit of the most recent ids, oldest first.
func (p *Provenance) Recent(limit int) []EventID {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := 0
	if limit >= 0 && len(p.ids) > limit {
		start = len(p.ids) - limit
	}
	out := make([]EventID, len(p.ids)-start)
	copy(out, p.ids[start:])
	return out
}

func (p *Provenance) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}
