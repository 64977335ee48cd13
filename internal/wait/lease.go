package wait

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// LeaseDB looks up leases by MAC address. It is satisfied by *lease.DB.
type LeaseDB interface {
	Lookup(mac string) (ip string, ok bool, err error)
	Files() []string
}

// leasePollInterval paces lease lookups when the lease files cannot be
// watched.
var leasePollInterval = time.Second

// WaitForLease waits until db holds a lease for mac or timeout passes. It
// reports false, not an error, on timeout. When none of the lease files can
// be watched it falls back to looking the lease up every leasePollInterval.
func WaitForLease(ctx context.Context, db LeaseDB, mac string, timeout time.Duration, log logr.Logger) (bool, error) {
	deadline := time.Now().Add(timeout)

	if ok, err := hasLease(db, mac); ok || err != nil {
		return ok, err
	}

	// A nil channel never fires, so exactly one of changes and poll is live.
	var poll <-chan time.Time
	changes, stop, err := watchLeases(db.Files(), log)
	if err != nil {
		log.V(1).Info("cannot watch lease files, polling instead", "error", err.Error(), "interval", leasePollInterval)
		ticker := time.NewTicker(leasePollInterval)
		defer ticker.Stop()
		poll = ticker.C
	} else {
		defer stop()
	}

	// The lease may have arrived between the first check and the watch.
	if ok, err := hasLease(db, mac); ok || err != nil {
		return ok, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-changes:
			log.V(1).Info("lease files changed", "mac", mac)
		case <-poll:
		case <-timer.C:
			return hasLease(db, mac)
		case <-ctx.Done():
			return false, ctx.Err()
		}

		if ok, err := hasLease(db, mac); ok || err != nil {
			return ok, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
	}
}

// watchLeases starts an inotify watch on files. On error nothing is left
// running.
func watchLeases(files []string, log logr.Logger) (<-chan struct{}, func(), error) {
	waiter, err := NewLeaseWaiter(files, log)
	if err != nil {
		return nil, nil, err
	}
	changes, err := waiter.Start()
	if err != nil {
		_ = waiter.Close()
		return nil, nil, err
	}
	return changes, func() { _ = waiter.Close() }, nil
}

func hasLease(db LeaseDB, mac string) (bool, error) {
	_, ok, err := db.Lookup(mac)
	return ok, err
}
