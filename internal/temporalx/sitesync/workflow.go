package sitesync

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	continuePassLimit    = 500
	continueHistoryLimit = 10000
)

// Workflow runs Discovery and then Live Sync for one site. Both steps are activities so a
// worker restart resumes at the step that did not finish.
func Workflow(ctx workflow.Context, in Input) (Output, error) {
	in.SiteID = strings.TrimSpace(in.SiteID)
	out := Output{SiteID: in.SiteID}
	if in.SiteID == "" {
		return out, fmt.Errorf("sitesync: missing site_id")
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{errTypeConfiguration},
		},
	})
	log := workflow.GetLogger(ctx)

	for {
		var disc DiscoverResult
		if err := workflow.ExecuteActivity(ctx, ActivityDiscover, in.SiteID).Get(ctx, &disc); err != nil {
			return out, err
		}
		if disc.Skipped {
			out.Skipped = true
			out.Reason = disc.Error
			log.Info("site sync skipped", "site_id", in.SiteID, "reason", disc.Error)
			return out, nil
		}

		var sync LiveSyncResult
		if err := workflow.ExecuteActivity(ctx, ActivityLiveSync, in.SiteID).Get(ctx, &sync); err != nil {
			return out, err
		}
		out.Passes++
		out.Last = &sync

		if in.Interval <= 0 || (in.MaxPasses > 0 && out.Passes >= in.MaxPasses) {
			return out, nil
		}
		if err := workflow.Sleep(ctx, in.Interval); err != nil {
			return out, err
		}
		if shouldContinueAsNew(ctx, out.Passes) {
			next := in
			if next.MaxPasses > 0 {
				next.MaxPasses -= out.Passes
			}
			return out, workflow.NewContinueAsNewError(ctx, WorkflowName, next)
		}
	}
}

func shouldContinueAsNew(ctx workflow.Context, passes int) bool {
	if passes >= continuePassLimit {
		return true
	}
	info := workflow.GetInfo(ctx)
	return info != nil && info.GetCurrentHistoryLength() >= continueHistoryLimit
}
