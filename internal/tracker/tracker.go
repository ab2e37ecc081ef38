// Package tracker turns a clock and a location stream into a live run.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sstent/pacetrack-go/internal/clock"
	"github.com/sstent/pacetrack-go/internal/dataerr"
	"github.com/sstent/pacetrack-go/internal/metrics"
	"github.com/sstent/pacetrack-go/internal/models"
)

// DefaultLocationInterval is the sampling interval requested from the
// location source.
const DefaultLocationInterval = time.Second

var (
	ErrInvalidTransition = errors.New("invalid tracker transition")
	ErrClosed            = errors.New("tracker closed")
)

type State int

const (
	Idle State = iota
	Tracking
	Paused
	Finishing
	Finished
)

var stateNames = [...]string{"idle", "tracking", "paused", "finishing", "finished"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// LocationSource produces fixes until ctx is cancelled or the underlying
// stream terminates, at which point the channel is closed. Cancelling ctx
// must release the underlying registration.
type LocationSource interface {
	Observe(ctx context.Context, interval time.Duration) (<-chan models.GeoFix, error)
}

// Rewinder is implemented by sources that play back a fixed track. Start
// rewinds them so every run begins at the first point; Resume does not.
type Rewinder interface {
	Rewind()
}

// Saver persists a finished run.
type Saver interface {
	Save(ctx context.Context, rec models.RunRecord, mapSnapshot []byte) (models.RunRecord, error)
}

// Snapshot is what consumers see of a run. Metrics is shared between
// snapshots and must be treated as read-only.
type Snapshot struct {
	State          State             `json:"state"`
	Elapsed        time.Duration     `json:"elapsed"`
	Metrics        models.RunMetrics `json:"metrics"`
	StartedAt      time.Time         `json:"started_at"`
	RejectedFixes  int               `json:"rejected_fixes"`
	LocationActive bool              `json:"location_active"`
}

type FinishResult struct {
	// Discarded is set when the run had too few fixes to keep.
	Discarded bool
	// Finished is set once the run was frozen and handed to the saver. An
	// error returned with it is a save failure and Record is still valid.
	Finished bool
	Record   models.RunRecord
}

type Option func(*Tracker)

func WithLocationInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

type eventKind int

const (
	evTick eventKind = iota
	evFix
	evLocationEnded
	evCommand
)

type command int

const (
	cmdStart command = iota
	cmdPause
	cmdResume
	cmdFinish
	cmdFinished
	cmdReset
)

var commandNames = [...]string{"start", "pause", "resume", "finish", "complete finish", "reset"}

func (c command) String() string { return commandNames[c] }

type event struct {
	kind  eventKind
	gen   uint64
	delta time.Duration
	fix   models.GeoFix
	cmd   command
	reply chan reply
}

type reply struct {
	err       error
	record    models.RunRecord
	discarded bool
}

// Tracker owns one run at a time. All run state is confined to the loop
// goroutine; readers get published snapshots.
type Tracker struct {
	source   LocationSource
	ticker   clock.Ticker
	saver    Saver
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	events    chan event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	current    atomic.Pointer[Snapshot]
	subsMu     sync.Mutex
	subs       map[chan Snapshot]struct{}
	subsClosed bool

	// loop-owned
	state          State
	agg            *Aggregator
	startedAt      time.Time
	gen            uint64
	feedCancel     context.CancelFunc
	feedDone       chan struct{}
	locationActive bool
}

// New starts a tracker in the Idle state. Close releases it.
func New(source LocationSource, ticker clock.Ticker, saver Saver, opts ...Option) *Tracker {
	t := &Tracker{
		source:   source,
		ticker:   ticker,
		saver:    saver,
		interval: DefaultLocationInterval,
		now:      time.Now,
		log:      slog.Default().With("component", "tracker"),
		events:   make(chan event, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[chan Snapshot]struct{}),
		agg:      NewAggregator(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.publish()
	go t.loop()
	return t
}

func (t *Tracker) Start(ctx context.Context) error {
	_, err := t.command(ctx, cmdStart)
	return err
}

func (t *Tracker) Pause(ctx context.Context) error {
	_, err := t.command(ctx, cmdPause)
	return err
}

func (t *Tracker) Resume(ctx context.Context) error {
	_, err := t.command(ctx, cmdResume)
	return err
}

// Reset returns a Finished tracker to Idle for the next run.
func (t *Tracker) Reset(ctx context.Context) error {
	_, err := t.command(ctx, cmdReset)
	return err
}

// Finish freezes the run and hands it to the saver. The tracker ends in
// Finished whatever the save outcome; a save error is returned alongside
// the unsaved record. Runs with fewer than MinFixes fixes are discarded and
// the tracker goes straight back to Idle.
func (t *Tracker) Finish(ctx context.Context, mapSnapshot []byte) (FinishResult, error) {
	r, err := t.command(ctx, cmdFinish)
	if err != nil {
		return FinishResult{}, err
	}
	if r.discarded {
		metrics.RunsDiscarded.Inc()
		return FinishResult{Discarded: true}, nil
	}

	record, saveErr := t.saver.Save(ctx, r.record, mapSnapshot)
	if saveErr != nil {
		t.log.Error("failed to save finished run", "error", saveErr)
		record = r.record
	}

	res := FinishResult{Finished: true, Record: record}
	if _, err := t.command(context.WithoutCancel(ctx), cmdFinished); err != nil && saveErr == nil {
		return res, err
	}
	return res, saveErr
}

// Snapshot returns the latest published state.
func (t *Tracker) Snapshot() Snapshot {
	return *t.current.Load()
}

// Subscribe returns a channel that always holds the most recent snapshot.
// Slow readers skip intermediate snapshots. The cancel func is idempotent.
func (t *Tracker) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	t.subsMu.Lock()
	ch <- *t.current.Load()
	if t.subsClosed {
		close(ch)
		t.subsMu.Unlock()
		return ch, func() {}
	}
	t.subs[ch] = struct{}{}
	t.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subsMu.Lock()
			defer t.subsMu.Unlock()
			if _, ok := t.subs[ch]; ok {
				delete(t.subs, ch)
				close(ch)
			}
		})
	}
}

// Close stops any active observation and the event loop.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.quit) })
	<-t.done
}

func (t *Tracker) command(ctx context.Context, cmd command) (reply, error) {
	ev := event{kind: evCommand, cmd: cmd, reply: make(chan reply, 1)}
	select {
	case t.events <- ev:
	case <-t.done:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	// Once queued the command is applied, so wait for it regardless of ctx.
	select {
	case r := <-ev.reply:
		return r, r.err
	case <-t.done:
		select {
		case r := <-ev.reply:
			return r, r.err
		default:
			return reply{}, ErrClosed
		}
	}
}

func (t *Tracker) loop() {
	defer close(t.done)
	for {
		select {
		case <-t.quit:
			t.stopFeed()
			t.closeSubscribers()
			return
		case ev := <-t.events:
			t.handle(ev)
		}
	}
}

func (t *Tracker) handle(ev event) {
	switch ev.kind {
	case evTick:
		if t.stale(ev) {
			return
		}
		t.agg.OnTick(ev.delta)
	case evFix:
		if t.stale(ev) {
			return
		}
		t.agg.OnFix(ev.fix)
	case evLocationEnded:
		if t.stale(ev) {
			return
		}
		t.locationActive = false
		t.log.Warn("location stream ended while tracking")
	case evCommand:
		r := t.apply(ev.cmd)
		t.publish()
		ev.reply <- r
		return
	}
	t.publish()
}

// stale reports whether ev belongs to an observation that has since been
// stopped. Such events are dropped so a resumed run never replays them.
func (t *Tracker) stale(ev event) bool {
	return ev.gen != t.gen || t.state != Tracking
}

func (t *Tracker) apply(cmd command) reply {
	switch cmd {
	case cmdStart:
		if t.state != Idle {
			return reply{err: t.invalid(cmd)}
		}
		t.agg = NewAggregator()
		if rw, ok := t.source.(Rewinder); ok {
			rw.Rewind()
		}
		if err := t.startFeed(); err != nil {
			return reply{err: fmt.Errorf("failed to start location updates: %w", err)}
		}
		t.agg.StartSegment()
		t.startedAt = t.now()
		t.setState(Tracking)

	case cmdPause:
		if t.state != Tracking {
			return reply{err: t.invalid(cmd)}
		}
		t.stopFeed()
		t.agg.PauseSegment()
		t.setState(Paused)

	case cmdResume:
		if t.state != Paused {
			return reply{err: t.invalid(cmd)}
		}
		if err := t.startFeed(); err != nil {
			return reply{err: fmt.Errorf("failed to restart location updates: %w", err)}
		}
		t.agg.StartSegment()
		t.setState(Tracking)

	case cmdFinish:
		if t.state != Tracking && t.state != Paused {
			return reply{err: t.invalid(cmd)}
		}
		t.stopFeed()
		t.agg.PauseSegment()

		m := t.agg.CurrentMetrics()
		rec, err := BuildRecord(m, t.agg.Elapsed(), t.startedAt)
		if errors.Is(err, dataerr.ErrInvalidRun) {
			t.log.Info("discarding run", "reason", err, "fixes", m.FixCount())
			t.clearRun()
			t.setState(Idle)
			return reply{discarded: true}
		}
		t.setState(Finishing)
		return reply{record: rec}

	case cmdFinished:
		if t.state != Finishing {
			return reply{err: t.invalid(cmd)}
		}
		t.setState(Finished)

	case cmdReset:
		if t.state != Finished {
			return reply{err: t.invalid(cmd)}
		}
		t.clearRun()
		t.setState(Idle)
	}
	return reply{}
}

func (t *Tracker) invalid(cmd command) error {
	return fmt.Errorf("cannot %s while %s: %w", cmd, t.state, ErrInvalidTransition)
}

func (t *Tracker) setState(s State) {
	t.log.Debug("state change", "from", t.state.String(), "to", s.String())
	t.state = s
	metrics.TrackerTransitions.WithLabelValues(s.String()).Inc()
}

func (t *Tracker) clearRun() {
	t.agg = NewAggregator()
	t.startedAt = time.Time{}
}

// startFeed opens a new observation generation for both clock and location.
func (t *Tracker) startFeed() error {
	ctx, cancel := context.WithCancel(context.Background())
	fixes, err := t.source.Observe(ctx, t.interval)
	if err != nil {
		cancel()
		return err
	}
	ticks := t.ticker.Tick(ctx)

	t.gen++
	done := make(chan struct{})
	go t.feed(ctx, t.gen, ticks, fixes, done)

	t.feedCancel = cancel
	t.feedDone = done
	t.locationActive = true
	return nil
}

// stopFeed cancels the current observation and waits for its forwarder to
// exit. Safe to call when nothing is observed.
func (t *Tracker) stopFeed() {
	if t.feedCancel == nil {
		return
	}
	t.feedCancel()
	<-t.feedDone
	t.feedCancel = nil
	t.feedDone = nil
	t.locationActive = false
}

// feed forwards one generation of ticks and fixes into the event loop.
func (t *Tracker) feed(ctx context.Context, gen uint64, ticks <-chan time.Duration, fixes <-chan models.GeoFix, done chan<- struct{}) {
	defer close(done)
	for ticks != nil || fixes != nil {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			if !t.send(ctx, event{kind: evTick, gen: gen, delta: d}) {
				return
			}
		case f, ok := <-fixes:
			if !ok {
				fixes = nil
				if !t.send(ctx, event{kind: evLocationEnded, gen: gen}) {
					return
				}
				continue
			}
			if !t.send(ctx, event{kind: evFix, gen: gen, fix: f}) {
				return
			}
		}
	}
	<-ctx.Done()
}

func (t *Tracker) send(ctx context.Context, ev event) bool {
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Tracker) publish() {
	s := &Snapshot{
		State:          t.state,
		Elapsed:        t.agg.Elapsed(),
		Metrics:        t.agg.CurrentMetrics(),
		StartedAt:      t.startedAt,
		RejectedFixes:  t.agg.Rejected(),
		LocationActive: t.locationActive,
	}
	t.current.Store(s)

	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for ch := range t.subs {
		// The loop is the only sender, so after draining the send cannot block.
		select {
		case <-ch:
		default:
		}
		ch <- *s
	}
}

func (t *Tracker) closeSubscribers() {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for ch := range t.subs {
		close(ch)
	}
	t.subs = make(map[chan Snapshot]struct{})
	t.subsClosed = true
}
