package sitesync

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/catalog-indexer/internal/services"
)

// WorkflowID is stable per site so a second start while one is running is rejected.
func WorkflowID(siteID string) string { return "site-sync:" + siteID }

// Start launches the workflow for in.SiteID and returns its run id.
func Start(ctx context.Context, tc temporalsdkclient.Client, taskQueue string, in Input) (string, error) {
	if tc == nil {
		return "", fmt.Errorf("temporal not configured")
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    WorkflowID(in.SiteID),
		TaskQueue:             taskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	run, err := tc.ExecuteWorkflow(ctx, opts, WorkflowName, in)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return "", fmt.Errorf("site %s: %w", in.SiteID, services.ErrSyncInProgress)
		}
		return "", fmt.Errorf("start site sync workflow: %w", err)
	}
	return run.GetRunID(), nil
}

// Starter hands manual sync triggers to Temporal instead of running them in process.
type Starter struct {
	Client    temporalsdkclient.Client
	TaskQueue string
}

func (s Starter) StartSync(ctx context.Context, siteID string) (string, error) {
	return Start(ctx, s.Client, s.TaskQueue, Input{SiteID: siteID})
}
