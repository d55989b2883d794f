package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yungbote/catalog-indexer/internal/platform/logger"
	"github.com/yungbote/catalog-indexer/internal/services"
)

type fakeSyncer struct {
	sites    []string
	fail     map[string]bool
	panicOn  map[string]bool
	delay    time.Duration
	mu       sync.Mutex
	calls    map[string]int
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeSyncer) Sites() []string { return f.sites }

func (f *fakeSyncer) Sync(ctx context.Context, siteID string) (services.SyncReport, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[siteID]++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panicOn[siteID] {
		panic("boom")
	}
	if f.fail[siteID] {
		return services.SyncReport{SiteID: siteID}, errors.New("endpoint down")
	}
	return services.SyncReport{SiteID: siteID}, nil
}

func TestTickRunsEverySiteDespiteFailures(t *testing.T) {
	syncer := &fakeSyncer{
		sites:   []string{"a", "b", "c", "d"},
		fail:    map[string]bool{"b": true},
		panicOn: map[string]bool{"c": true},
	}
	s := NewScheduler(logger.Nop(), syncer, Config{Concurrency: 2})
	s.Tick(context.Background())
	for _, id := range syncer.sites {
		if syncer.calls[id] != 1 {
			t.Fatalf("site %s ran %d times", id, syncer.calls[id])
		}
	}
}

func TestTickBoundsConcurrency(t *testing.T) {
	syncer := &fakeSyncer{sites: []string{"a", "b", "c", "d", "e", "f"}, delay: 20 * time.Millisecond}
	s := NewScheduler(logger.Nop(), syncer, Config{Concurrency: 2})
	s.Tick(context.Background())
	if got := syncer.peak.Load(); got > 2 {
		t.Fatalf("peak concurrency %d exceeds limit", got)
	}
}

func TestTickStopsOnCancelledContext(t *testing.T) {
	syncer := &fakeSyncer{sites: []string{"a", "b"}}
	s := NewScheduler(logger.Nop(), syncer, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Tick(ctx)
	if len(syncer.calls) != 0 {
		t.Fatalf("no site may run after cancellation: %v", syncer.calls)
	}
}
