package escalation

import (
	"context"
	"sync"
)

// Supervisors finds someone able to take over a case.
type Supervisors interface {
	// FindAvailableBackup returns an available supervisor other than exclude.
	FindAvailableBackup(ctx context.Context, exclude string) (string, bool, error)
}

// StaticRoster is a configured list of supervisors handed out round-robin.
type StaticRoster struct {
	mu          sync.Mutex
	ids         []string
	unavailable map[string]bool
	next        int
}

var _ Supervisors = (*StaticRoster)(nil)

func NewStaticRoster(ids ...string) *StaticRoster {
	seen := make(map[string]bool, len(ids))
	r := &StaticRoster{unavailable: make(map[string]bool)}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		r.ids = append(r.ids, id)
	}
	return r
}

func (r *StaticRoster) FindAvailableBackup(ctx context.Context, exclude string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < len(r.ids); i++ {
		idx := (r.next + i) % len(r.ids)
		id := r.ids[idx]
		if id == exclude || r.unavailable[id] {
			continue
		}
		r.next = idx + 1
		return id, true, nil
	}
	return "", false, nil
}

// MarkUnavailable reports whether the supervisor is on the roster.
func (r *StaticRoster) MarkUnavailable(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.known(id) {
		return false
	}
	r.unavailable[id] = true
	return true
}

func (r *StaticRoster) MarkAvailable(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.known(id) {
		return false
	}
	delete(r.unavailable, id)
	return true
}

func (r *StaticRoster) Available() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, id := range r.ids {
		if !r.unavailable[id] {
			out = append(out, id)
		}
	}
	return out
}

func (r *StaticRoster) known(id string) bool {
	for _, x := range r.ids {
		if x == id {
			return true
		}
	}
	return false
}
