package daemon

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"strata/pkg/protocol"
	"strata/pkg/types"
)

// backfiller copies placement groups this daemon is joining. Concurrency is
// bounded so migrations cannot starve client traffic, and pulled bytes are
// optionally rate limited. A failed attempt is simply abandoned; the group
// stays pending on the master and the next heartbeat retriggers it, making
// the heartbeat interval the retry backoff.
type backfiller struct {
	d       *Daemon
	sem     chan struct{}
	limiter *rate.Limiter

	mu      sync.Mutex
	running map[pgKey]types.Epoch
}

func newBackfiller(d *Daemon) *backfiller {
	b := &backfiller{
		d:       d,
		sem:     make(chan struct{}, max(1, d.cfg.MaxConcurrentBackfills)),
		running: make(map[pgKey]types.Epoch),
	}
	if bps := d.cfg.BackfillBytesPerSec; bps > 0 {
		burst := int(bps)
		if burst < 256<<10 {
			burst = 256 << 10
		}
		b.limiter = rate.NewLimiter(rate.Limit(bps), burst)
	}
	return b
}

// ensure starts a backfill for the migration unless one is already running
// for the same epoch. A superseded migration restarts under its new epoch;
// the manifest diff makes the overlap cheap.
func (b *backfiller) ensure(mig *protocol.PGMigration) {
	key := pgKey{mig.Pool, mig.PG}

	b.mu.Lock()
	if epoch, ok := b.running[key]; ok && epoch == mig.Epoch {
		b.mu.Unlock()
		return
	}
	b.running[key] = mig.Epoch
	b.mu.Unlock()

	b.d.wg.Add(1)
	go b.run(mig, key)
}

func (b *backfiller) run(mig *protocol.PGMigration, key pgKey) {
	defer b.d.wg.Done()
	defer func() {
		b.mu.Lock()
		if b.running[key] == mig.Epoch {
			delete(b.running, key)
		}
		b.mu.Unlock()
	}()

	select {
	case b.sem <- struct{}{}:
	case <-b.d.stopCh:
		return
	}
	defer func() { <-b.sem }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-b.d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	log := b.d.logger.With(
		zap.String("pool", string(mig.Pool)),
		zap.Uint32("pg", uint32(mig.PG)),
		zap.Uint64("epoch", uint64(mig.Epoch)))

	copied, err := b.backfill(ctx, mig)
	if err != nil {
		log.Warn("backfill attempt failed", zap.Error(err))
		return
	}

	report := &protocol.BackfilledRequest{Pool: mig.Pool, PG: mig.PG, Epoch: mig.Epoch, DaemonID: b.d.id}
	if err := b.d.post(b.d.cfg.MasterAddress, protocol.PathPGBackfilled, report, nil); err != nil {
		log.Warn("failed to report backfill completion", zap.Error(err))
		return
	}
	log.Info("backfill complete", zap.Int("objects_copied", copied))
}

// backfill diffs the local copy of the group against an old owner's manifest
// and pulls only the objects that are missing or differ by checksum. Writes
// mirrored by the old primary while this runs keep the copy current.
func (b *backfiller) backfill(ctx context.Context, mig *protocol.PGMigration) (int, error) {
	localEntries, err := b.d.store.Manifest(mig.Pool, mig.PG)
	if err != nil {
		return 0, err
	}
	local := make(map[string]string, len(localEntries))
	for _, e := range localEntries {
		local[e.Object] = e.Checksum
	}

	manifest, err := b.fetchManifest(mig)
	if err != nil {
		return 0, err
	}

	copied := 0
	for _, entry := range manifest {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		if local[entry.Object] == entry.Checksum {
			continue
		}

		data, found, err := b.pull(mig, entry.Object)
		if err != nil {
			return copied, err
		}
		if !found {
			// Deleted between manifest and pull; nothing to copy.
			continue
		}
		if err := b.throttle(ctx, len(data)); err != nil {
			return copied, err
		}
		if err := b.d.store.Put(mig.Pool, mig.PG, entry.Object, data); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

// fetchManifest asks the old owners in turn until one answers.
func (b *backfiller) fetchManifest(mig *protocol.PGMigration) ([]protocol.ManifestEntry, error) {
	req := &protocol.ManifestRequest{Pool: mig.Pool, PG: mig.PG}
	var lastErr error
	for _, src := range mig.OldOwners {
		addr := b.d.peerAddr(src, mig.Addrs)
		if addr == "" {
			continue
		}
		var resp protocol.ManifestResponse
		if err := b.d.post(addr, protocol.PathPGManifest, req, &resp); err != nil {
			lastErr = err
			continue
		}
		return resp.Entries, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no reachable source for %s/%d", mig.Pool, mig.PG)
	}
	return nil, lastErr
}

func (b *backfiller) pull(mig *protocol.PGMigration, object string) ([]byte, bool, error) {
	req := &protocol.PullRequest{Pool: mig.Pool, PG: mig.PG, Object: object}
	var lastErr error
	for _, src := range mig.OldOwners {
		addr := b.d.peerAddr(src, mig.Addrs)
		if addr == "" {
			continue
		}
		var resp protocol.PullResponse
		if err := b.d.post(addr, protocol.PathPGPull, req, &resp); err != nil {
			lastErr = err
			continue
		}
		return resp.Data, resp.Found, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no reachable source for %s/%d/%s", mig.Pool, mig.PG, object)
	}
	return nil, false, lastErr
}

func (b *backfiller) throttle(ctx context.Context, n int) error {
	if b.limiter == nil || n == 0 {
		return nil
	}
	for n > 0 {
		chunk := n
		if chunk > b.limiter.Burst() {
			chunk = b.limiter.Burst()
		}
		if err := b.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
