package scheduler

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/pkg/cache"
	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/logger"
	"github.com/canopyhq/canopy/pkg/models"
)

// leaseField is the cache field holding a stream's run lease.
const leaseField = "lease"

// DefaultLeaseTTL bounds how long a crashed run can block its stream.
const DefaultLeaseTTL = 15 * time.Minute

// lease is the stored marker claiming a stream for one run.
type lease struct {
	Holder  string    `json:"holder"`
	Expires time.Time `json:"expires"`
}

// acquireLease claims the stream for runID with a conditional write. A
// live lease held by someone else loses the claim immediately; an
// expired lease is taken over at its observed version so two takers
// cannot both win. The returned release function gives the lease back
// and is safe to call after losing it to a takeover.
func acquireLease(ctx context.Context, store cache.Cache, identity models.Identity, runID string, ttl time.Duration, now time.Time) (func(context.Context), error) {
	key := identity.Key(leaseField)

	version := cache.VersionNone
	entry, err := store.Get(ctx, key)
	switch {
	case err == nil:
		var current lease
		if jsonErr := json.Unmarshal(entry.Value, &current); jsonErr == nil {
			if now.Before(current.Expires) {
				return nil, errors.Newf(errors.ErrorTypeConflict,
					"stream %s is leased to run %s", identity, current.Holder)
			}
			logger.Get().Info("taking over expired lease",
				zap.String("stream", identity.String()),
				zap.String("stale_holder", current.Holder))
		}
		version = entry.Version
	case errors.IsNotFound(err):
		// No lease yet.
	default:
		return nil, err
	}

	claim, err := json.Marshal(lease{Holder: runID, Expires: now.Add(ttl)})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode lease")
	}

	held, err := store.Put(ctx, key, claim, version)
	if err != nil {
		if errors.IsConflict(err) {
			return nil, errors.Wrap(err, errors.ErrorTypeConflict, "lost the lease race")
		}
		return nil, err
	}

	release := func(ctx context.Context) {
		if err := store.Delete(ctx, key, held); err != nil && !errors.IsNotFound(err) {
			// A conflict here means the lease expired mid-run and was
			// taken over; the new holder owns it now.
			logger.Get().Debug("lease release skipped",
				zap.String("stream", identity.String()), zap.Error(err))
		}
	}
	return release, nil
}
