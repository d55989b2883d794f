package sitesync

import "time"

const (
	WorkflowName     = "site_sync"
	ActivityDiscover = "discover_site"
	ActivityLiveSync = "live_sync_site"
)

// Input drives one site's workflow. With Interval > 0 the workflow keeps syncing the site,
// sleeping Interval between passes; MaxPasses > 0 stops it after that many passes.
type Input struct {
	SiteID    string        `json:"site_id"`
	Interval  time.Duration `json:"interval,omitempty"`
	MaxPasses int           `json:"max_passes,omitempty"`
}

type DiscoverResult struct {
	SiteID          string `json:"site_id"`
	Skipped         bool   `json:"skipped"`
	MarkedForDelete int64  `json:"marked_for_delete"`
	Created         int    `json:"created"`
	Duplicates      int    `json:"duplicates"`
	Revived         int64  `json:"revived"`
	PhasedOut       int64  `json:"phased_out"`
	Error           string `json:"error,omitempty"`
}

type LiveSyncResult struct {
	SiteID         string `json:"site_id"`
	Deletes        int    `json:"deletes"`
	Upserts        int    `json:"upserts"`
	UpsertsSkipped bool   `json:"upserts_skipped"`
	Success        int    `json:"success"`
	Failure        int    `json:"failure"`
}

type Output struct {
	SiteID  string          `json:"site_id"`
	Passes  int             `json:"passes"`
	Last    *LiveSyncResult `json:"last,omitempty"`
	Skipped bool            `json:"skipped"`
	Reason  string          `json:"reason,omitempty"`
}
