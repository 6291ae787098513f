package alerts

import (
	"sync"
	"time"
)

// DedupStore remembers recently sent alert keys so a tenant hammering its
// limit produces one notification per window.
type DedupStore struct {
	records map[string]*AlertRecord
	window  time.Duration
	now     func() time.Time
	mu      sync.RWMutex
}

// NewDedupStore creates a new deduplication store
func NewDedupStore(window time.Duration) *DedupStore {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &DedupStore{
		records: make(map[string]*AlertRecord),
		window:  window,
		now:     time.Now,
	}
}

// IsDuplicate checks if an alert is a duplicate
func (d *DedupStore) IsDuplicate(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	record, exists := d.records[key]
	if !exists {
		return false
	}
	return d.now().Sub(record.SentAt) < d.window
}

// CheckAndRecord records key unless it was sent within the window, and
// reports whether the caller should send.
func (d *DedupStore) CheckAndRecord(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if record, exists := d.records[key]; exists {
		if now.Sub(record.SentAt) < d.window {
			record.Count++
			return false
		}
		record.SentAt = now
		record.Count = 1
		return true
	}
	d.records[key] = &AlertRecord{AlertKey: key, SentAt: now, Count: 1}
	return true
}

// Forget drops the record for key so the next alert is sent.
func (d *DedupStore) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, key)
}

// GetRecord gets the record for a key
func (d *DedupStore) GetRecord(key string) *AlertRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.records[key]
}

// Cleanup removes old records
func (d *DedupStore) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, record := range d.records {
		if now.Sub(record.SentAt) > d.window {
			delete(d.records, key)
		}
	}
}

// Size returns the number of records
func (d *DedupStore) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.records)
}
