package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/pkg/types"
)

func newTestAuthority(t *testing.T) *Authority {
	key, err := NewSecretKey()
	require.NoError(t, err)
	return NewAuthority(key)
}

func TestIssueAndVerify(t *testing.T) {
	a := newTestAuthority(t)
	now := time.Now()

	cap := a.Issue("client-1", "media", 3, time.Minute, now)
	assert.Equal(t, types.Epoch(3), cap.Epoch)

	status := Verify(cap, "media", a.Keys(), 3, DefaultEpochLag, now)
	assert.Equal(t, Valid, status)
}

func TestExpiryBoundary(t *testing.T) {
	a := newTestAuthority(t)
	now := time.Now()
	ttl := 30 * time.Second

	cap := a.Issue("client-1", "media", 1, ttl, now)

	t.Run("JustBeforeExpiry", func(t *testing.T) {
		at := now.Add(ttl - time.Second)
		assert.Equal(t, Valid, Verify(cap, "media", a.Keys(), 1, DefaultEpochLag, at))
	})

	t.Run("JustAfterExpiry", func(t *testing.T) {
		at := now.Add(ttl + time.Second)
		assert.Equal(t, Expired, Verify(cap, "media", a.Keys(), 1, DefaultEpochLag, at))
	})
}

func TestEpochLagWindow(t *testing.T) {
	a := newTestAuthority(t)
	now := time.Now()

	cap := a.Issue("client-1", "media", 5, time.Minute, now)

	t.Run("SameEpoch", func(t *testing.T) {
		assert.Equal(t, Valid, Verify(cap, "media", a.Keys(), 5, DefaultEpochLag, now))
	})

	t.Run("OneEpochBehind", func(t *testing.T) {
		// Daemon already moved to epoch 6, capability stamped 5: inside the
		// grace window.
		assert.Equal(t, Valid, Verify(cap, "media", a.Keys(), 6, DefaultEpochLag, now))
	})

	t.Run("TwoEpochsBehind", func(t *testing.T) {
		assert.Equal(t, EpochMismatch, Verify(cap, "media", a.Keys(), 7, DefaultEpochLag, now))
	})

	t.Run("DaemonBehindClient", func(t *testing.T) {
		// A daemon that has not yet seen the newer map accepts the newer
		// capability; it will catch up on its next heartbeat.
		assert.Equal(t, Valid, Verify(cap, "media", a.Keys(), 4, DefaultEpochLag, now))
	})
}

func TestBadMAC(t *testing.T) {
	a := newTestAuthority(t)
	now := time.Now()
	cap := a.Issue("client-1", "media", 1, time.Minute, now)

	t.Run("TamperedSubject", func(t *testing.T) {
		forged := cap
		forged.Subject = "client-2"
		assert.Equal(t, BadMAC, Verify(forged, "media", a.Keys(), 1, DefaultEpochLag, now))
	})

	t.Run("TamperedExpiry", func(t *testing.T) {
		forged := cap
		forged.Expires += 3600
		assert.Equal(t, BadMAC, Verify(forged, "media", a.Keys(), 1, DefaultEpochLag, now))
	})

	t.Run("WrongPool", func(t *testing.T) {
		assert.Equal(t, BadMAC, Verify(cap, "backups", a.Keys(), 1, DefaultEpochLag, now))
	})

	t.Run("WrongKey", func(t *testing.T) {
		other := newTestAuthority(t)
		assert.Equal(t, BadMAC, Verify(cap, "media", other.Keys(), 1, DefaultEpochLag, now))
	})
}

func TestKeyRotation(t *testing.T) {
	a := newTestAuthority(t)
	now := time.Now()

	oldCap := a.Issue("client-1", "media", 1, time.Hour, now)
	require.NoError(t, a.Rotate())

	t.Run("OldKeyValidDuringGrace", func(t *testing.T) {
		assert.Equal(t, Valid, Verify(oldCap, "media", a.Keys(), 1, DefaultEpochLag, now))
	})

	newCap := a.Issue("client-1", "media", 1, time.Hour, now)
	t.Run("NewKeyValid", func(t *testing.T) {
		assert.Equal(t, Valid, Verify(newCap, "media", a.Keys(), 1, DefaultEpochLag, now))
	})

	t.Run("OldKeyInvalidAfterGrace", func(t *testing.T) {
		a.DropPrevious()
		assert.Equal(t, BadMAC, Verify(oldCap, "media", a.Keys(), 1, DefaultEpochLag, now))
		assert.Equal(t, Valid, Verify(newCap, "media", a.Keys(), 1, DefaultEpochLag, now))
	})
}
