package sitesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/yungbote/catalog-indexer/internal/indexing/discovery"
	"github.com/yungbote/catalog-indexer/internal/indexing/livesync"
	apperrors "github.com/yungbote/catalog-indexer/internal/pkg/errors"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
	"github.com/yungbote/catalog-indexer/internal/services"
)

const (
	errTypeConfiguration = "ConfigurationIncomplete"
	errTypeInProgress    = "SyncInProgress"
)

type Syncer interface {
	Discover(ctx context.Context, siteID string) (discovery.SiteResult, error)
	LiveSync(ctx context.Context, siteID string) (livesync.Result, error)
}

type Activities struct {
	Log  *logger.Logger
	Sync Syncer
}

func (a *Activities) Discover(ctx context.Context, siteID string) (DiscoverResult, error) {
	out := DiscoverResult{SiteID: siteID}
	if a == nil || a.Sync == nil {
		return out, fmt.Errorf("sitesync: activity not configured")
	}
	stop := startHeartbeat(ctx)
	defer stop()

	res, err := a.Sync.Discover(ctx, siteID)
	out.Skipped = res.Skipped
	out.MarkedForDelete = res.MarkedForDelete
	out.Created = res.Created
	out.Duplicates = res.Duplicates
	out.Revived = res.Revived
	out.PhasedOut = res.PhasedOut
	if res.Skipped {
		if err != nil {
			out.Error = err.Error()
		}
		return out, nil
	}
	if err != nil {
		return out, classify(err)
	}
	return out, nil
}

func (a *Activities) LiveSync(ctx context.Context, siteID string) (LiveSyncResult, error) {
	out := LiveSyncResult{SiteID: siteID}
	if a == nil || a.Sync == nil {
		return out, fmt.Errorf("sitesync: activity not configured")
	}
	stop := startHeartbeat(ctx)
	defer stop()

	res, err := a.Sync.LiveSync(ctx, siteID)
	out.Deletes = res.Deletes
	out.Upserts = res.Upserts
	out.UpsertsSkipped = res.UpsertsSkipped
	out.Success = res.Success
	out.Failure = res.Failure
	if err != nil {
		if a.Log != nil {
			a.Log.Warn("live sync activity failed", "site_id", siteID, "error", err)
		}
		return out, classify(err)
	}
	return out, nil
}

// classify marks configuration problems non-retryable; everything else goes back to the retry policy.
func classify(err error) error {
	switch {
	case errors.Is(err, apperrors.ErrConfigurationIncomplete):
		return temporal.NewNonRetryableApplicationError(err.Error(), errTypeConfiguration, err)
	case errors.Is(err, services.ErrSyncInProgress):
		return temporal.NewApplicationErrorWithCause(err.Error(), errTypeInProgress, err)
	default:
		return err
	}
}

func startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
