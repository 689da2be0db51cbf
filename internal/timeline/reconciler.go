// Package timeline merges the REST history snapshot and live socket frames into
// one ordered, deduplicated message timeline.
package timeline

import (
	"sort"
	"sync"

	"github.com/xiaot623/gogo/convo/internal/domain"
)

// Reconciler owns the timeline of a single conversation. It is safe for concurrent use.
type Reconciler struct {
	mu       sync.RWMutex
	messages []domain.Message
	index    map[string]int
	seeded   bool
}

// NewReconciler creates an empty timeline.
func NewReconciler() *Reconciler {
	return &Reconciler{index: make(map[string]int)}
}

// Seed installs the history snapshot. Live messages merged before the snapshot
// arrived are kept. Only the first call has an effect; it reports whether it did.
func (r *Reconciler) Seed(history []domain.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seeded {
		return false
	}
	r.seeded = true

	live := r.messages
	r.messages = make([]domain.Message, 0, len(history)+len(live))
	r.index = make(map[string]int, len(history)+len(live))
	r.appendUnseen(history)
	r.appendUnseen(live)
	r.sort()
	return true
}

// Seeded reports whether the history snapshot has been installed.
func (r *Reconciler) Seeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seeded
}

// Merge appends messages whose id is not yet present and restores timestamp order.
// A copy of a known message can only raise its read flags. Merging the same messages
// again is a no-op. It returns the number of messages added or updated.
func (r *Reconciler) Merge(incoming ...domain.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added, updated := r.appendUnseen(incoming)
	if added > 0 {
		r.sort()
	}
	return added + updated
}

// ApplyReadReceipt sets the role's read flag on the given messages. Flags never
// go back to false. It returns the number of flags that changed.
func (r *Reconciler) ApplyReadReceipt(ids []string, role domain.Role) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for _, id := range ids {
		i, ok := r.index[id]
		if !ok {
			continue
		}
		if markRead(&r.messages[i], role) {
			changed++
		}
	}
	return changed
}

// Messages returns a copy of the timeline.
func (r *Reconciler) Messages() []domain.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Len returns the number of messages in the timeline.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// Unread returns the ids of messages sent by the other side that role has not read.
func (r *Reconciler) Unread(role domain.Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, m := range r.messages {
		if m.SenderRole != role && !m.ReadBy(role) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// appendUnseen must be called with mu held. It returns how many messages were
// appended and how many known ones gained a read flag.
func (r *Reconciler) appendUnseen(msgs []domain.Message) (added, updated int) {
	for _, m := range msgs {
		if i, ok := r.index[m.ID]; ok {
			// A later copy may carry read flags the stored one lacks.
			changed := false
			if m.ReadByInitiator && markRead(&r.messages[i], domain.RoleInitiator) {
				changed = true
			}
			if m.ReadByCounterpart && markRead(&r.messages[i], domain.RoleCounterpart) {
				changed = true
			}
			if changed {
				updated++
			}
			continue
		}
		r.index[m.ID] = len(r.messages)
		r.messages = append(r.messages, m)
		added++
	}
	return added, updated
}

// sort must be called with mu held. Equal timestamps keep arrival order.
func (r *Reconciler) sort() {
	sort.SliceStable(r.messages, func(i, j int) bool {
		return r.messages[i].Timestamp.Before(r.messages[j].Timestamp)
	})
	for i, m := range r.messages {
		r.index[m.ID] = i
	}
}

func markRead(m *domain.Message, role domain.Role) bool {
	switch role {
	case domain.RoleInitiator:
		if m.ReadByInitiator {
			return false
		}
		m.ReadByInitiator = true
	case domain.RoleCounterpart:
		if m.ReadByCounterpart {
			return false
		}
		m.ReadByCounterpart = true
	default:
		return false
	}
	return true
}
