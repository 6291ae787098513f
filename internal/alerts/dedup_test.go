package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDedupStore(t *testing.T) {
	store := NewDedupStore(0)
	assert.NotNil(t, store)
	assert.Equal(t, 30*time.Minute, store.window)
}

func TestCheckAndRecord(t *testing.T) {
	store := NewDedupStore(time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	key := "acme:project:limit_reached"
	assert.True(t, store.CheckAndRecord(key))
	assert.True(t, store.IsDuplicate(key))
	assert.False(t, store.CheckAndRecord(key))
	assert.Equal(t, 2, store.GetRecord(key).Count)

	// Window expired
	now = now.Add(2 * time.Minute)
	assert.False(t, store.IsDuplicate(key))
	assert.True(t, store.CheckAndRecord(key))
	assert.Equal(t, 1, store.GetRecord(key).Count)
}

func TestForgetAndCleanup(t *testing.T) {
	store := NewDedupStore(time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	store.CheckAndRecord("a")
	store.CheckAndRecord("b")
	store.Forget("a")
	assert.Equal(t, 1, store.Size())
	assert.True(t, store.CheckAndRecord("a"))

	now = now.Add(5 * time.Minute)
	store.Cleanup()
	assert.Equal(t, 0, store.Size())
}
