package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sstent/pacetrack-go/internal/location"
	"github.com/sstent/pacetrack-go/internal/models"
	"github.com/sstent/pacetrack-go/internal/parser"
)

// fakeTicker hands out one channel per observation so tests can drive the
// clock of the current generation.
type fakeTicker struct {
	mu    sync.Mutex
	chans []chan time.Duration
}

func (f *fakeTicker) Tick(ctx context.Context) <-chan time.Duration {
	ch := make(chan time.Duration)
	f.mu.Lock()
	f.chans = append(f.chans, ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeTicker) tick(t *testing.T, d time.Duration) {
	t.Helper()
	f.mu.Lock()
	ch := f.chans[len(f.chans)-1]
	f.mu.Unlock()
	select {
	case ch <- d:
	case <-time.After(time.Second):
		t.Fatal("tick not consumed")
	}
}

type fakeSource struct {
	mu       sync.Mutex
	err      error
	chans    []chan models.GeoFix
	observed int
	released int
}

func (f *fakeSource) Observe(ctx context.Context, interval time.Duration) (<-chan models.GeoFix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan models.GeoFix)
	f.chans = append(f.chans, ch)
	f.observed++
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}()
	return ch, nil
}

func (f *fakeSource) push(t *testing.T, fx models.GeoFix) {
	t.Helper()
	f.mu.Lock()
	ch := f.chans[len(f.chans)-1]
	f.mu.Unlock()
	select {
	case ch <- fx:
	case <-time.After(time.Second):
		t.Fatal("fix not consumed")
	}
}

func (f *fakeSource) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.chans[len(f.chans)-1])
}

func (f *fakeSource) counts() (observed, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observed, f.released
}

type fakeSaver struct {
	mu    sync.Mutex
	calls []models.RunRecord
	snaps [][]byte
	err   error
}

func (f *fakeSaver) Save(ctx context.Context, rec models.RunRecord, mapSnapshot []byte) (models.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rec)
	f.snaps = append(f.snaps, mapSnapshot)
	if f.err != nil {
		return models.RunRecord{}, f.err
	}
	rec.ID = "run-1"
	return rec, nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestTracker(t *testing.T) (*Tracker, *fakeSource, *fakeTicker, *fakeSaver) {
	t.Helper()
	src := &fakeSource{}
	tk := &fakeTicker{}
	sv := &fakeSaver{}
	start := time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC)
	tr := New(src, tk, sv, WithNow(func() time.Time { return start }))
	t.Cleanup(tr.Close)
	return tr, src, tk, sv
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestTrackerRunLifecycle(t *testing.T) {
	tr, src, tk, sv := newTestTracker(t)
	ctx := context.Background()

	if s := tr.Snapshot(); s.State != Idle {
		t.Fatalf("expected Idle, got %v", s.State)
	}
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s := tr.Snapshot(); s.State != Tracking || !s.LocationActive {
		t.Fatalf("unexpected snapshot after start: %+v", s)
	}

	src.push(t, fix(0, 0, 0))
	for i := 0; i < 5; i++ {
		tk.tick(t, 200*time.Millisecond)
	}
	src.push(t, fix(0, 0.00899, 0))
	waitFor(t, "second fix", func() bool { return tr.Snapshot().Metrics.FixCount() == 2 })

	s := tr.Snapshot()
	if s.Metrics.TotalDistanceMeters != 1000 || s.Elapsed != time.Second || s.Metrics.CurrentPaceSecondsPerKm != 1 {
		t.Fatalf("unexpected metrics: %+v elapsed=%v", s.Metrics, s.Elapsed)
	}

	if err := tr.Pause(ctx); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	waitFor(t, "release after pause", func() bool {
		obs, rel := src.counts()
		return obs == 1 && rel == 1
	})
	if s := tr.Snapshot(); s.State != Paused || s.LocationActive {
		t.Fatalf("unexpected snapshot after pause: %+v", s)
	}

	if err := tr.Resume(ctx); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	src.push(t, fix(0, 0.01, 0))
	tk.tick(t, time.Second)
	waitFor(t, "resumed fix", func() bool { return tr.Snapshot().Metrics.FixCount() == 3 })
	if n := len(tr.Snapshot().Metrics.Segments); n != 2 {
		t.Fatalf("expected 2 segments after resume, got %d", n)
	}

	res, err := tr.Finish(ctx, []byte("jpeg"))
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if res.Discarded || !res.Finished || res.Record.ID != "run-1" {
		t.Fatalf("unexpected finish result: %+v", res)
	}
	if sv.count() != 1 || string(sv.snaps[0]) != "jpeg" {
		t.Fatalf("saver not called with snapshot")
	}
	if sv.calls[0].DistanceMeters != 1000 {
		t.Errorf("saved distance = %d, want 1000 (pause gap excluded)", sv.calls[0].DistanceMeters)
	}
	if s := tr.Snapshot(); s.State != Finished {
		t.Fatalf("expected Finished, got %v", s.State)
	}
	waitFor(t, "all observations released", func() bool {
		obs, rel := src.counts()
		return obs == 2 && rel == 2
	})

	if err := tr.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if s := tr.Snapshot(); s.State != Idle || s.Metrics.FixCount() != 0 || s.Elapsed != 0 {
		t.Fatalf("reset did not clear run: %+v", s)
	}
}

func TestTrackerFinishDiscardsShortRun(t *testing.T) {
	tr, src, _, sv := newTestTracker(t)
	ctx := context.Background()

	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	src.push(t, fix(1, 1, 0))
	waitFor(t, "fix", func() bool { return tr.Snapshot().Metrics.FixCount() == 1 })

	res, err := tr.Finish(ctx, nil)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if !res.Discarded {
		t.Fatal("expected run to be discarded")
	}
	if sv.count() != 0 {
		t.Fatal("discarded run reached the saver")
	}
	if s := tr.Snapshot(); s.State != Idle || s.Metrics.FixCount() != 0 {
		t.Fatalf("expected clean Idle, got %+v", s)
	}
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("restart after discard failed: %v", err)
	}
}

func TestTrackerFinishedEvenWhenSaveFails(t *testing.T) {
	tr, src, _, sv := newTestTracker(t)
	sv.err = errors.New("disk on fire")
	ctx := context.Background()

	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	src.push(t, fix(0, 0, 0))
	src.push(t, fix(0, 0.001, 0))
	waitFor(t, "fixes", func() bool { return tr.Snapshot().Metrics.FixCount() == 2 })

	res, err := tr.Finish(ctx, nil)
	if !errors.Is(err, sv.err) {
		t.Fatalf("expected save error, got %v", err)
	}
	if !res.Finished || res.Record.DistanceMeters == 0 {
		t.Fatalf("expected the unsaved record to be returned: %+v", res)
	}
	if s := tr.Snapshot(); s.State != Finished {
		t.Fatalf("expected Finished, got %v", s.State)
	}
}

func TestTrackerDropsStaleGenerationEvents(t *testing.T) {
	tr, src, tk, _ := newTestTracker(t)
	ctx := context.Background()

	// Start opens feed generation 1 and Resume opens generation 2.
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	src.push(t, fix(0, 0, 0))
	tk.tick(t, time.Second)
	waitFor(t, "first fix", func() bool {
		s := tr.Snapshot()
		return s.Metrics.FixCount() == 1 && s.Elapsed == time.Second
	})
	if err := tr.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tr.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	before := tr.Snapshot()

	tr.events <- event{kind: evTick, gen: 1, delta: time.Hour}
	tr.events <- event{kind: evFix, gen: 1, fix: fix(0, 0.01, 0)}
	// Commands share the event queue, so Pause runs after both events.
	if err := tr.Pause(ctx); err != nil {
		t.Fatal(err)
	}

	s := tr.Snapshot()
	if s.Elapsed != before.Elapsed {
		t.Errorf("elapsed = %v, want %v", s.Elapsed, before.Elapsed)
	}
	if n := s.Metrics.FixCount(); n != 1 {
		t.Errorf("fix count = %d, want 1", n)
	}
}

func TestTrackerReplaysTrackForEveryRun(t *testing.T) {
	replay := location.NewReplay(&parser.Track{Segments: [][]parser.TrackPoint{
		{{Fix: fix(0, 0, 0)}, {Fix: fix(0, 0.001, 0)}},
	}})
	sv := &fakeSaver{}
	tr := New(replay, &fakeTicker{}, sv, WithLocationInterval(time.Millisecond))
	t.Cleanup(tr.Close)
	ctx := context.Background()

	for run := 1; run <= 2; run++ {
		if err := tr.Start(ctx); err != nil {
			t.Fatalf("run %d: Start failed: %v", run, err)
		}
		waitFor(t, "replayed track", func() bool { return tr.Snapshot().Metrics.FixCount() == 2 })
		res, err := tr.Finish(ctx, nil)
		if err != nil {
			t.Fatalf("run %d: Finish failed: %v", run, err)
		}
		if res.Discarded {
			t.Fatalf("run %d was discarded", run)
		}
		if err := tr.Reset(ctx); err != nil {
			t.Fatalf("run %d: Reset failed: %v", run, err)
		}
	}
	if n := sv.count(); n != 2 {
		t.Fatalf("saved %d runs, want 2", n)
	}
}

func TestTrackerInvalidTransitions(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tr.Pause(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Pause from Idle: %v", err)
	}
	if err := tr.Resume(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume from Idle: %v", err)
	}
	if res, err := tr.Finish(ctx, nil); !errors.Is(err, ErrInvalidTransition) || res.Finished {
		t.Errorf("Finish from Idle: %+v %v", res, err)
	}
	if err := tr.Reset(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reset from Idle: %v", err)
	}

	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tr.Start(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Start while tracking: %v", err)
	}
	if err := tr.Resume(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume while tracking: %v", err)
	}
	if s := tr.Snapshot(); s.State != Tracking {
		t.Fatalf("rejected commands changed state to %v", s.State)
	}
}

func TestTrackerObserveFailureLeavesStateUnchanged(t *testing.T) {
	tr, src, _, _ := newTestTracker(t)
	src.err = errors.New("permission denied")

	if err := tr.Start(context.Background()); !errors.Is(err, src.err) {
		t.Fatalf("expected observe error, got %v", err)
	}
	if s := tr.Snapshot(); s.State != Idle {
		t.Fatalf("expected Idle, got %v", s.State)
	}
}

func TestTrackerLocationStreamEnd(t *testing.T) {
	tr, src, tk, _ := newTestTracker(t)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.end()
	waitFor(t, "location inactive", func() bool { return !tr.Snapshot().LocationActive })

	tk.tick(t, time.Second)
	waitFor(t, "clock keeps running", func() bool { return tr.Snapshot().Elapsed == time.Second })
	if s := tr.Snapshot(); s.State != Tracking {
		t.Fatalf("expected Tracking, got %v", s.State)
	}
}

func TestTrackerSubscribeDeliversLatest(t *testing.T) {
	tr, _, tk, _ := newTestTracker(t)

	updates, cancel := tr.Subscribe()
	defer cancel()

	if s := <-updates; s.State != Idle {
		t.Fatalf("expected initial Idle snapshot, got %v", s.State)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		tk.tick(t, time.Second)
	}

	deadline := time.After(2 * time.Second)
	var s Snapshot
	for s.Elapsed != 3*time.Second {
		select {
		case s = <-updates:
		case <-deadline:
			t.Fatalf("latest snapshot never delivered, last %+v", s)
		}
	}
	if s.State != Tracking {
		t.Fatalf("expected Tracking, got %v", s.State)
	}

	cancel()
	cancel()
	if _, ok := <-updates; ok {
		t.Fatal("expected channel closed after cancel")
	}
}

func TestTrackerCloseReleasesObservation(t *testing.T) {
	src := &fakeSource{}
	tr := New(src, &fakeTicker{}, &fakeSaver{})
	updates, _ := tr.Subscribe()

	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr.Close()
	tr.Close()

	waitFor(t, "release", func() bool { _, rel := src.counts(); return rel == 1 })
	if err := tr.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	for range updates {
	}
}
