package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/linkhaven/linkhaven/internal/bookmarks"
	"github.com/linkhaven/linkhaven/internal/cloud"
	"github.com/linkhaven/linkhaven/internal/settings"
	"github.com/linkhaven/linkhaven/internal/source"
	"gorm.io/gorm"
)

func TestFirstSyncPushesToEmptyRemote(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyNewestWins)
	fixture.browser.seed(
		bookmarks.Bookmark{URL: "https://go.dev", Title: "Go", DateAdded: 100},
	)

	report, err := fixture.engine.Sync(context.Background(), "remote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Action != ActionPushed {
		t.Fatalf("expected pushed, got %s", report.Action)
	}
	if fixture.remote.file == nil || len(fixture.remote.file.Bookmarks) != 1 {
		t.Fatalf("remote envelope not created: %#v", fixture.remote.file)
	}
	if fixture.remote.file.Metadata.CreatedAt == "" {
		t.Fatalf("first push must stamp createdAt")
	}
}

func TestIdenticalContentSkipsTheWrite(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyNewestWins)
	fixture.browser.seed(bookmarks.Bookmark{URL: "https://go.dev", DateAdded: 100})

	if _, err := fixture.engine.Sync(context.Background(), "remote"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	writesAfterFirst := fixture.remote.writes

	report, err := fixture.engine.Sync(context.Background(), "remote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Action != ActionNone || !report.Skipped {
		t.Fatalf("expected skipped no-op, got action=%s skipped=%v", report.Action, report.Skipped)
	}
	if fixture.remote.writes != writesAfterFirst {
		t.Fatalf("no-op cycle must not issue a write")
	}
}

func TestRemoteOnlyChangePulls(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyNewestWins)
	fixture.browser.seed(bookmarks.Bookmark{URL: "https://go.dev", DateAdded: 100})
	mustSync(t, fixture.engine, "remote")

	fixture.remote.mutate(func(file *bookmarks.BookmarkFile) {
		file.Bookmarks = append(file.Bookmarks, bookmarks.Bookmark{URL: "https://added.com", DateAdded: 200})
	})

	report, err := fixture.engine.Sync(context.Background(), "remote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Action != ActionPulled {
		t.Fatalf("expected pulled, got %s", report.Action)
	}

	items, _ := fixture.browser.Snapshot(context.Background())
	if len(items) != 2 {
		t.Fatalf("pull must apply remote additions, got %d bookmarks", len(items))
	}
}

func TestLocalDeletionPushesAndRecordsTombstone(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyNewestWins)
	fixture.browser.seed(
		bookmarks.Bookmark{URL: "https://keep.com", DateAdded: 100},
		bookmarks.Bookmark{URL: "https://doomed.com", DateAdded: 100},
	)
	mustSync(t, fixture.engine, "remote")

	if err := fixture.browser.RemoveBookmark(context.Background(), bookmarks.Key{URL: "https://doomed.com"}); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	report, err := fixture.engine.Sync(context.Background(), "remote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Action != ActionPushed {
		t.Fatalf("expected pushed, got %s", report.Action)
	}

	if len(fixture.remote.file.Bookmarks) != 1 || fixture.remote.file.Bookmarks[0].URL != "https://keep.com" {
		t.Fatalf("deletion not pushed: %#v", fixture.remote.file.Bookmarks)
	}
	found := false
	for _, marker := range fixture.remote.file.Tombstones {
		if marker.URL == "https://doomed.com" {
			found = true
		}
	}
	if !found {
		t.Fatalf("deletion must travel as a tombstone: %#v", fixture.remote.file.Tombstones)
	}

	markers, err := fixture.settings.Tombstones(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(markers) != 1 || markers[0].URL != "https://doomed.com" {
		t.Fatalf("deletion must be recorded locally: %#v", markers)
	}
}

func TestManualPolicySurfacesConflictWithoutWriting(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyManual)
	fixture.browser.seed(bookmarks.Bookmark{URL: "https://shared.com", DateAdded: 100})
	mustSync(t, fixture.engine, "remote")
	writesBefore := fixture.remote.writes

	// Both sides diverge.
	if err := fixture.browser.CreateBookmark(context.Background(), bookmarks.Bookmark{URL: "https://local-only.com", DateAdded: 200}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fixture.remote.mutate(func(file *bookmarks.BookmarkFile) {
		file.Bookmarks = append(file.Bookmarks, bookmarks.Bookmark{URL: "https://remote-only.com", DateAdded: 200})
	})

	_, err := fixture.engine.Sync(context.Background(), "remote")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflict.Local) != 2 || len(conflict.Remote) != 2 {
		t.Fatalf("conflict must carry both sides: local=%d remote=%d", len(conflict.Local), len(conflict.Remote))
	}
	if fixture.remote.writes != writesBefore {
		t.Fatalf("manual conflict must not write")
	}
}

func TestMergePolicyUnionsBothSides(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyMerge)
	fixture.browser.seed(bookmarks.Bookmark{URL: "https://shared.com", DateAdded: 100})
	mustSync(t, fixture.engine, "remote")

	if err := fixture.browser.CreateBookmark(context.Background(), bookmarks.Bookmark{URL: "https://local-only.com", DateAdded: 200}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fixture.remote.mutate(func(file *bookmarks.BookmarkFile) {
		file.Bookmarks = append(file.Bookmarks, bookmarks.Bookmark{URL: "https://remote-only.com", DateAdded: 200})
	})

	report, err := fixture.engine.Sync(context.Background(), "remote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Action != ActionMerged {
		t.Fatalf("expected merged, got %s", report.Action)
	}

	if len(fixture.remote.file.Bookmarks) != 3 {
		t.Fatalf("remote must hold the union, got %d", len(fixture.remote.file.Bookmarks))
	}
	items, _ := fixture.browser.Snapshot(context.Background())
	if len(items) != 3 {
		t.Fatalf("browser must hold the union, got %d", len(items))
	}
}

func TestFailureThresholdPausesUntilReset(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyNewestWins)
	fixture.browser.seed(bookmarks.Bookmark{URL: "https://go.dev", DateAdded: 100})
	fixture.remote.readErr = source.NewError(source.CodeNetwork, "remote: connection refused", nil)
	ctx := context.Background()

	for attempt := 0; attempt < DefaultFailureThreshold; attempt++ {
		if _, err := fixture.engine.Sync(ctx, "remote"); err == nil {
			t.Fatalf("expected failure on attempt %d", attempt+1)
		}
	}

	// Threshold reached: further scheduled syncs refuse to run.
	_, err := fixture.engine.Sync(ctx, "remote")
	if source.CodeOf(err) != source.CodeRetryLimit {
		t.Fatalf("expected RETRY_LIMIT_EXCEEDED, got %v", err)
	}

	fixture.remote.readErr = nil
	if _, err := fixture.engine.Sync(ctx, "remote"); source.CodeOf(err) != source.CodeRetryLimit {
		t.Fatalf("paused source must stay paused without reset, got %v", err)
	}

	if err := fixture.engine.Reset(ctx, "remote"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	report, err := fixture.engine.Sync(ctx, "remote")
	if err != nil {
		t.Fatalf("sync after reset failed: %v", err)
	}
	if report.Action != ActionPushed {
		t.Fatalf("expected pushed after reset, got %s", report.Action)
	}
}

func TestConcurrentSyncRequestCoalesces(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyNewestWins)
	fixture.browser.seed(bookmarks.Bookmark{URL: "https://go.dev", DateAdded: 100})
	fixture.remote.block = make(chan struct{})
	fixture.remote.entered = make(chan struct{}, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := fixture.engine.Sync(ctx, "remote"); err != nil {
			t.Errorf("background sync failed: %v", err)
		}
	}()

	<-fixture.remote.entered
	report, err := fixture.engine.Sync(ctx, "remote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Coalesced {
		t.Fatalf("request during an in-flight cycle must coalesce")
	}

	close(fixture.remote.block)
	wg.Wait()
}

func TestOverlappingSyncRequestsAreSafe(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyNewestWins)
	fixture.browser.seed(bookmarks.Bookmark{URL: "https://go.dev", DateAdded: 100})
	ctx := context.Background()

	const workers = 8
	const rounds = 50

	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < rounds; round++ {
				if _, err := fixture.engine.Sync(ctx, "remote"); err != nil {
					t.Errorf("sync failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if fixture.remote.file == nil || len(fixture.remote.file.Bookmarks) != 1 {
		t.Fatalf("remote must end up converged: %#v", fixture.remote.file)
	}
}

func TestCloudManualConflictNamesItsSource(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyManual)
	fixture.browser.seed(bookmarks.Bookmark{URL: "https://local-only.com", DateAdded: 100})

	remoteItems := []bookmarks.Bookmark{{URL: "https://remote-only.com", DateAdded: 200}}
	cloudSource := &fakeCloudSource{
		fakeSource: fakeSource{id: "cloud"},
		result: cloud.Result{
			Action:   cloud.ActionConflict,
			Conflict: true,
			Local:    cloud.Snapshot{Bookmarks: []bookmarks.Bookmark{{URL: "https://local-only.com", DateAdded: 100}}},
			Remote:   cloud.Snapshot{Bookmarks: remoteItems},
			Version:  2,
		},
	}
	cloudSource.seed(remoteItems...)
	fixture.engine.AddSource(cloudSource)

	_, err := fixture.engine.Sync(context.Background(), "cloud")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.SourceID != "cloud" {
		t.Fatalf("conflict must name its source, got %q", conflict.SourceID)
	}
	if len(conflict.Local) != 1 || len(conflict.Remote) != 1 {
		t.Fatalf("conflict must carry both sides: local=%d remote=%d", len(conflict.Local), len(conflict.Remote))
	}
}

func TestPullCountsOnlyDeletionsItApplied(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyNewestWins)
	fixture.browser.seed(
		bookmarks.Bookmark{URL: "https://kept.com", DateAdded: 100},
		bookmarks.Bookmark{URL: "https://gone.com", DateAdded: 100},
	)
	mustSync(t, fixture.engine, "remote")

	// Another device tombstoned both URLs but re-added one of them: the pull
	// only removes the entry the final remote set no longer carries.
	deletedAt := time.Now().Add(time.Hour).UnixMilli()
	fixture.remote.mutate(func(file *bookmarks.BookmarkFile) {
		file.Bookmarks = []bookmarks.Bookmark{
			{URL: "https://kept.com", DateAdded: 100},
			{URL: "https://fresh.com", DateAdded: 300},
		}
		file.Tombstones = []bookmarks.Tombstone{
			{URL: "https://kept.com", DeletedAt: deletedAt},
			{URL: "https://gone.com", DeletedAt: deletedAt},
		}
	})

	report, err := fixture.engine.Sync(context.Background(), "remote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Action != ActionPulled {
		t.Fatalf("expected pulled, got %s", report.Action)
	}
	if report.Deleted != 1 {
		t.Fatalf("only one deletion landed, got %d", report.Deleted)
	}

	items, _ := fixture.browser.Snapshot(context.Background())
	if len(items) != 2 {
		t.Fatalf("browser must match the remote set, got %#v", items)
	}
	for _, item := range items {
		if item.URL == "https://gone.com" {
			t.Fatalf("tombstoned entry must not survive the pull")
		}
	}
}

func TestForcePushOverwritesRemoteIgnoringTombstones(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyNewestWins)
	fixture.browser.seed(bookmarks.Bookmark{URL: "https://x.com", DateAdded: 100})
	fixture.remote.seed(bookmarks.Bookmark{URL: "https://y.com", DateAdded: 100})
	fixture.remote.mutate(func(file *bookmarks.BookmarkFile) {
		file.Tombstones = []bookmarks.Tombstone{{URL: "https://x.com", DeletedAt: 999}}
	})

	report, err := fixture.engine.ForcePush(context.Background(), "remote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Action != ActionForcePushed {
		t.Fatalf("expected force-pushed, got %s", report.Action)
	}
	if len(fixture.remote.file.Bookmarks) != 1 || fixture.remote.file.Bookmarks[0].URL != "https://x.com" {
		t.Fatalf("force push must fully replace remote: %#v", fixture.remote.file.Bookmarks)
	}
	if len(fixture.remote.file.Tombstones) != 0 {
		t.Fatalf("force push must not process tombstones")
	}
}

func TestForcePullOverwritesLocal(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyNewestWins)
	fixture.browser.seed(bookmarks.Bookmark{URL: "https://local.com", DateAdded: 100})
	fixture.remote.seed(bookmarks.Bookmark{URL: "https://remote.com", DateAdded: 100})

	report, err := fixture.engine.ForcePull(context.Background(), "remote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Action != ActionForcePulled {
		t.Fatalf("expected force-pulled, got %s", report.Action)
	}

	items, _ := fixture.browser.Snapshot(context.Background())
	if len(items) != 1 || items[0].URL != "https://remote.com" {
		t.Fatalf("force pull must fully replace local: %#v", items)
	}
}

func TestCloudConflictResolvesThroughMerge(t *testing.T) {
	fixture := newFixture(t, bookmarks.PolicyMerge)
	fixture.browser.seed(bookmarks.Bookmark{URL: "https://local-only.com", DateAdded: 100})

	remoteItems := []bookmarks.Bookmark{{URL: "https://remote-only.com", DateAdded: 200}}
	cloudSource := &fakeCloudSource{
		fakeSource: fakeSource{id: "cloud"},
		result: cloud.Result{
			Action:   cloud.ActionConflict,
			Conflict: true,
			Remote:   cloud.Snapshot{Bookmarks: remoteItems},
			Version:  2,
		},
	}
	cloudSource.seed(remoteItems...)
	fixture.engine.AddSource(cloudSource)

	report, err := fixture.engine.Sync(context.Background(), "cloud")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Action != ActionMerged {
		t.Fatalf("expected merged, got %s", report.Action)
	}
	if cloudSource.resolution != cloud.ResolutionMerge {
		t.Fatalf("engine must resolve with merged data, got %q", cloudSource.resolution)
	}
	if len(cloudSource.merged.Bookmarks) != 2 {
		t.Fatalf("merged snapshot must union both sides: %#v", cloudSource.merged.Bookmarks)
	}

	items, _ := fixture.browser.Snapshot(context.Background())
	if len(items) != 2 {
		t.Fatalf("browser must converge on the merge, got %d", len(items))
	}
}

// fixture wires an engine to in-memory fakes and a sqlite settings store.
type fixture struct {
	engine   *Engine
	browser  *fakeBrowser
	remote   *fakeSource
	settings *settings.Store
}

func newFixture(t *testing.T, policy bookmarks.ConflictPolicy) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&settings.Setting{}, &settings.SourceState{}, &settings.TombstoneRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := settings.NewStore(settings.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct settings store: %v", err)
	}

	fakeRemote := &fakeSource{id: "remote"}
	fakeLocal := newFakeBrowser()
	instance, err := New(Config{
		Browser:  fakeLocal,
		Settings: store,
		Policy:   policy,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	instance.AddSource(fakeRemote)

	return &fixture{engine: instance, browser: fakeLocal, remote: fakeRemote, settings: store}
}

func mustSync(t *testing.T, instance *Engine, sourceID string) Report {
	t.Helper()
	report, err := instance.Sync(context.Background(), sourceID)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	return report
}

// fakeBrowser is an in-memory Collaborator.
type fakeBrowser struct {
	mu    sync.Mutex
	items map[bookmarks.Key]bookmarks.Bookmark
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{items: make(map[bookmarks.Key]bookmarks.Bookmark)}
}

func (b *fakeBrowser) seed(items ...bookmarks.Bookmark) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, item := range items {
		b.items[item.Key()] = item
	}
}

func (b *fakeBrowser) Snapshot(_ context.Context) ([]bookmarks.Bookmark, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := make([]bookmarks.Bookmark, 0, len(b.items))
	for _, item := range b.items {
		items = append(items, item)
	}
	return items, nil
}

func (b *fakeBrowser) CreateBookmark(_ context.Context, item bookmarks.Bookmark) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[item.Key()] = item
	return nil
}

func (b *fakeBrowser) UpdateBookmark(_ context.Context, item bookmarks.Bookmark) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[item.Key()] = item
	return nil
}

func (b *fakeBrowser) RemoveBookmark(_ context.Context, key bookmarks.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, key)
	return nil
}

// fakeSource is an in-memory Source. A nil file reads as NOT_FOUND.
type fakeSource struct {
	mu      sync.Mutex
	id      string
	file    *bookmarks.BookmarkFile
	reads   int
	writes  int
	readErr error
	block   chan struct{}
	entered chan struct{}
}

func (s *fakeSource) seed(items ...bookmarks.Bookmark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file := bookmarks.NewFile("fake", items, time.Unix(1700000000, 0))
	s.file = &file
}

func (s *fakeSource) mutate(edit func(*bookmarks.BookmarkFile)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	edit(s.file)
	s.file.Stamp(time.Unix(1700000500, 0))
}

func (s *fakeSource) ID() string            { return s.id }
func (s *fakeSource) Type() string          { return "fake" }
func (s *fakeSource) ValidateConfig() error { return nil }

func (s *fakeSource) Read(_ context.Context) (bookmarks.BookmarkFile, error) {
	s.mu.Lock()
	entered := s.entered
	blocked := s.block
	s.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if blocked != nil {
		<-blocked
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.readErr != nil {
		return bookmarks.BookmarkFile{}, s.readErr
	}
	if s.file == nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeNotFound, "fake: no data", nil)
	}
	return *s.file, nil
}

func (s *fakeSource) Write(_ context.Context, data *bookmarks.BookmarkFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	data.Stamp(time.Unix(1700001000, 0))
	copied := *data
	s.file = &copied
	return nil
}

func (s *fakeSource) GetChecksum(ctx context.Context) (string, error) {
	return source.ChecksumViaRead(ctx, s)
}

func (s *fakeSource) IsAvailable(ctx context.Context) bool {
	return source.AvailableViaRead(ctx, s)
}

func (s *fakeSource) ValidateCredentials(_ context.Context) (bool, error) { return true, nil }
func (s *fakeSource) RefreshCredentials(_ context.Context) error          { return nil }

func (s *fakeSource) GetMetadata(_ context.Context) (source.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return source.Metadata{}, source.NewError(source.CodeNotFound, "fake: no data", nil)
	}
	return source.Metadata{Checksum: s.file.Metadata.Checksum}, nil
}

// fakeCloudSource adds the CloudSyncer capability with a scripted result.
type fakeCloudSource struct {
	fakeSource
	result     cloud.Result
	resolution cloud.Resolution
	merged     cloud.Snapshot
}

func (s *fakeCloudSource) SyncWithConflictDetection(_ context.Context, _ cloud.Snapshot) (cloud.Result, error) {
	return s.result, nil
}

func (s *fakeCloudSource) ResolveConflict(_ context.Context, resolution cloud.Resolution, _, _, merged cloud.Snapshot) (cloud.Result, error) {
	s.resolution = resolution
	s.merged = merged
	return cloud.Result{Action: cloud.ActionPushed, Version: s.result.Version + 1, Checksum: merged.Checksum()}, nil
}
