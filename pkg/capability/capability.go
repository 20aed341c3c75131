// Package capability implements the cluster's offline authorization tokens.
// The master issues capabilities under the cluster secret key; storage
// daemons verify them locally with no master round-trip. Revocation is by
// key rotation or epoch advance only, never per token.
package capability

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"strata/pkg/types"
)

// Status is the outcome of verifying a capability.
type Status string

const (
	Valid         Status = "valid"
	Expired       Status = "expired"
	EpochMismatch Status = "epoch_mismatch"
	BadMAC        Status = "bad_mac"
)

const KeySize = 32

// DefaultEpochLag is how many epochs behind the verifier a capability may be
// stamped and still be accepted. One epoch covers clients caught mid-rebalance.
const DefaultEpochLag = 1

// Keys holds the verifier's view of the cluster secret. Previous is non-nil
// only during a rotation grace period; capabilities minted under either key
// verify until the previous key is dropped.
type Keys struct {
	Current  []byte `json:"current"`
	Previous []byte `json:"previous,omitempty"`
}

// NewSecretKey generates a fresh cluster secret.
func NewSecretKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	return key, nil
}

// Authority issues capabilities and owns key rotation. Only the master holds
// an Authority; daemons only ever see Keys.
type Authority struct {
	mu   sync.RWMutex
	keys Keys
}

func NewAuthority(key []byte) *Authority {
	return &Authority{keys: Keys{Current: key}}
}

// Issue mints a capability for subject on pool, stamped with the pool's
// current epoch and valid for ttl.
func (a *Authority) Issue(subject string, pool types.PoolName, epoch types.Epoch, ttl time.Duration, now time.Time) types.Capability {
	a.mu.RLock()
	key := a.keys.Current
	a.mu.RUnlock()

	expires := now.Add(ttl).Unix()
	return types.Capability{
		Subject: subject,
		Pool:    pool,
		Epoch:   epoch,
		Expires: expires,
		MAC:     computeMAC(key, subject, pool, epoch, expires),
	}
}

// Rotate replaces the cluster secret. The old key stays valid as Previous
// until DropPrevious, giving daemons time to pick up the new key on their
// next heartbeat. Rotation is the only cluster-wide revocation mechanism.
func (a *Authority) Rotate() error {
	key, err := NewSecretKey()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.keys = Keys{Current: key, Previous: a.keys.Current}
	a.mu.Unlock()
	return nil
}

// DropPrevious ends the rotation grace period. Capabilities minted under the
// old key stop verifying everywhere once daemons receive the updated Keys.
func (a *Authority) DropPrevious() {
	a.mu.Lock()
	a.keys.Previous = nil
	a.mu.Unlock()
}

// Keys returns a copy of the current key set for distribution to daemons.
func (a *Authority) Keys() Keys {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Keys{Current: a.keys.Current, Previous: a.keys.Previous}
}

// Verify checks a capability against the verifier's local keys and epoch.
// It is a pure computation: no network, no clock other than the caller's now.
// A capability stamped up to lag epochs behind localEpoch is accepted so
// clients are not rejected mid-rebalance; anything older must re-authorize.
func Verify(cap types.Capability, pool types.PoolName, keys Keys, localEpoch types.Epoch, lag uint64, now time.Time) Status {
	if cap.Pool != pool {
		return BadMAC
	}

	expected := computeMAC(keys.Current, cap.Subject, cap.Pool, cap.Epoch, cap.Expires)
	if subtle.ConstantTimeCompare(expected, cap.MAC) != 1 {
		if keys.Previous == nil {
			return BadMAC
		}
		expected = computeMAC(keys.Previous, cap.Subject, cap.Pool, cap.Epoch, cap.Expires)
		if subtle.ConstantTimeCompare(expected, cap.MAC) != 1 {
			return BadMAC
		}
	}

	if now.Unix() >= cap.Expires {
		return Expired
	}

	if uint64(cap.Epoch)+lag < uint64(localEpoch) {
		return EpochMismatch
	}

	return Valid
}

func computeMAC(key []byte, subject string, pool types.PoolName, epoch types.Epoch, expires int64) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(subject))
	mac.Write([]byte{0})
	mac.Write([]byte(pool))
	mac.Write([]byte{0})
	var nums [16]byte
	binary.BigEndian.PutUint64(nums[0:8], uint64(epoch))
	binary.BigEndian.PutUint64(nums[8:16], uint64(expires))
	mac.Write(nums[:])
	return mac.Sum(nil)
}
