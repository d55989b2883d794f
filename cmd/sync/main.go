package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/yungbote/catalog-indexer/internal/app"
	"github.com/yungbote/catalog-indexer/internal/pkg/dbctx"
)

type idList []string

func (l *idList) String() string { return strings.Join(*l, ",") }
func (l *idList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v != "" {
		*l = append(*l, v)
	}
	return nil
}

// Runs one sync pass per site outside the server, or inspects and releases quarantined records.
func main() {
	var sites, release idList
	var discoverOnly, listQuarantine bool
	flag.Var(&sites, "site", "site_id to sync (repeatable; default all configured sites)")
	flag.BoolVar(&discoverOnly, "discover-only", false, "propose changes without dispatching")
	flag.BoolVar(&listQuarantine, "quarantine", false, "print quarantined records instead of syncing")
	flag.Var(&release, "release", "record_id to release from quarantine (repeatable; \"all\" releases every record)")
	flag.Parse()

	application, err := app.New()
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	ctx := context.Background()
	svc := application.Services.SiteSync
	if len(sites) == 0 {
		sites = svc.Sites()
	}
	if len(sites) == 0 {
		fmt.Println("no sites configured")
		return
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	failed := false

	for _, siteID := range sites {
		dbc := dbctx.Context{Ctx: ctx}
		switch {
		case len(release) > 0:
			ids, err := parseRecordIDs(release)
			if err != nil {
				fmt.Printf("invalid -release: %v\n", err)
				os.Exit(2)
			}
			n, err := svc.ReleaseQuarantine(dbc, siteID, ids)
			if err != nil {
				fmt.Printf("site=%s release failed: %v\n", siteID, err)
				failed = true
				continue
			}
			fmt.Printf("site=%s released=%d\n", siteID, n)
		case listQuarantine:
			rows, err := svc.Quarantined(dbc, siteID, 1000)
			if err != nil {
				fmt.Printf("site=%s quarantine list failed: %v\n", siteID, err)
				failed = true
				continue
			}
			_ = enc.Encode(map[string]any{"site_id": siteID, "failures": rows})
		case discoverOnly:
			res, err := svc.Discover(ctx, siteID)
			if err != nil {
				fmt.Printf("site=%s discovery failed: %v\n", siteID, err)
				failed = true
				continue
			}
			_ = enc.Encode(res)
		default:
			report, err := svc.Sync(ctx, siteID)
			if err != nil {
				fmt.Printf("site=%s sync failed: %v\n", siteID, err)
				failed = true
				continue
			}
			_ = enc.Encode(report)
		}
	}
	if failed {
		os.Exit(1)
	}
}

// parseRecordIDs returns nil for "all", which releases every quarantined record of the site.
func parseRecordIDs(raw []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(raw))
	for _, s := range raw {
		if strings.EqualFold(s, "all") {
			return nil, nil
		}
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
