package cooldown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArmAndActive(t *testing.T) {
	r := New()
	now := time.Now()
	r.Arm("BTC", KindScaleIn, now, 30*time.Minute)

	assert.True(t, r.Active("BTC", KindScaleIn, now.Add(10*time.Minute)))
	assert.False(t, r.Active("BTC", KindScaleIn, now.Add(31*time.Minute)))
}

func TestActiveFalseWhenNeverArmed(t *testing.T) {
	r := New()
	assert.False(t, r.Active("BTC", KindScaleOut, time.Now()))
}

func TestClearRemovesCooldown(t *testing.T) {
	r := New()
	now := time.Now()
	r.Arm("BTC", KindScaleIn, now, time.Hour)
	r.Clear("BTC", KindScaleIn)
	assert.False(t, r.Active("BTC", KindScaleIn, now))
}

func TestPendingIntentTracksID(t *testing.T) {
	r := New()
	now := time.Now()
	r.ArmPending("BTC", "evt-1", now, 60*time.Second)

	id, ok := r.PendingIntentID("BTC")
	require.True(t, ok)
	assert.Equal(t, "evt-1", id)
	assert.True(t, r.Active("BTC", KindPendingIntent, now.Add(30*time.Second)))

	r.Clear("BTC", KindPendingIntent)
	_, ok = r.PendingIntentID("BTC")
	assert.False(t, ok)
}

func TestPerSymbolIsolation(t *testing.T) {
	r := New()
	now := time.Now()
	r.Arm("BTC", KindScaleIn, now, time.Hour)
	assert.False(t, r.Active("ETH", KindScaleIn, now))
}

func TestEntriesRoundTripThroughRestore(t *testing.T) {
	r := New()
	now := time.Now()
	r.Arm("BTC", KindScaleIn, now, time.Hour)
	r.ArmPending("BTC", "evt-1", now, time.Minute)

	entries := r.Entries()
	require.Len(t, entries, 2)

	fresh := New()
	for _, e := range entries {
		fresh.Restore(e)
	}
	assert.True(t, fresh.Active("BTC", KindScaleIn, now))
	id, ok := fresh.PendingIntentID("BTC")
	require.True(t, ok)
	assert.Equal(t, "evt-1", id)
}
