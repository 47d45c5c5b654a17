package presence

import (
	"sort"
	"sync"

	"vestnik/internal/models"
)

// Tracker maintains online/offline and last-seen for every known
// contact. Presence is independent of conversation membership: a delta
// for a user we have never seen in any conversation still lands.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]models.PresenceRecord

	// onChange receives only the changed subset, never the full table.
	onChange func(changed []models.PresenceRecord)
}

func New(onChange func([]models.PresenceRecord)) *Tracker {
	return &Tracker{
		records:  make(map[string]models.PresenceRecord),
		onChange: onChange,
	}
}

// ApplySnapshot replaces the full presence table. Used on initial
// connect and on full resync.
func (t *Tracker) ApplySnapshot(records []models.PresenceRecord) {
	t.mu.Lock()
	var changed []models.PresenceRecord
	next := make(map[string]models.PresenceRecord, len(records))
	for _, r := range records {
		next[r.UserID] = r
		if prev, ok := t.records[r.UserID]; !ok || prev != r {
			changed = append(changed, r)
		}
	}
	// Users present before but absent from the snapshot drop to offline
	// rather than vanishing; records are never deleted.
	for id, prev := range t.records {
		if _, ok := next[id]; !ok {
			r := models.PresenceRecord{UserID: id, Status: models.PresenceOffline, LastSeen: prev.LastSeen}
			next[id] = r
			if prev != r {
				changed = append(changed, r)
			}
		}
	}
	t.records = next
	t.mu.Unlock()

	t.notify(changed)
}

// ApplyDelta upserts a single record. An unknown user creates a new
// record rather than failing.
func (t *Tracker) ApplyDelta(record models.PresenceRecord) {
	t.mu.Lock()
	prev, ok := t.records[record.UserID]
	if ok && prev == record {
		t.mu.Unlock()
		return
	}
	t.records[record.UserID] = record
	t.mu.Unlock()

	t.notify([]models.PresenceRecord{record})
}

func (t *Tracker) notify(changed []models.PresenceRecord) {
	if len(changed) == 0 || t.onChange == nil {
		return
	}
	t.onChange(changed)
}

func (t *Tracker) Get(userID string) (models.PresenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[userID]
	return r, ok
}

// All returns the presence table sorted by user id.
func (t *Tracker) All() []models.PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	records := make([]models.PresenceRecord, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UserID < records[j].UserID
	})
	return records
}
