package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandfile/sandfile/internal/errs"
	"github.com/sandfile/sandfile/internal/events"
	"github.com/sandfile/sandfile/internal/metrics"
	"github.com/sandfile/sandfile/internal/sandbox"
)

// ErrPoolClosed is returned for requests against a closed pool.
var ErrPoolClosed = errors.New("watcher pool closed")

// State is the lease lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateActive   State = "active"
	StateEvicted  State = "evicted"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
)

// Priority orders admission under capacity pressure.
type Priority int

const (
	PriorityNormal Priority = iota
	// PriorityHigh requests may evict an active lease regardless of its age.
	PriorityHigh
)

// StartStatus is the admission outcome.
type StartStatus string

const (
	StatusStarted        StartStatus = "started"
	StatusQueued         StartStatus = "queued"
	StatusAlreadyRunning StartStatus = "already_running"
)

// StartOptions configures a watcher start request.
type StartOptions struct {
	// Root is the absolute project root directory to watch.
	Root string
	// Priority controls eviction behavior at capacity.
	Priority Priority
}

// StartResult is the reply to a start request. For StatusQueued, Done
// resolves to nil when a slot frees or to ErrQueueTimeout when the bounded
// wait expires.
type StartResult struct {
	Status StartStatus
	Done   <-chan error
}

// LeaseInfo is a snapshot of one lease.
type LeaseInfo struct {
	Project      string    `json:"project"`
	State        State     `json:"state"`
	RootPath     string    `json:"root_path"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	EventCount   int64     `json:"event_count"`
	Priority     Priority  `json:"priority"`
}

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	Live            int   `json:"live"`
	Queued          int   `json:"queued"`
	Started         int64 `json:"started"`
	Evicted         int64 `json:"evicted"`
	Crashed         int64 `json:"crashed"`
	Restarted       int64 `json:"restarted"`
	QueueTimeouts   int64 `json:"queue_timeouts"`
	InactivityStops int64 `json:"inactivity_stops"`
}

// Config controls the pool.
type Config struct {
	MaxWatchers   int
	QueueWait     time.Duration // bounded wait for queued admission
	MinAge        time.Duration // minimum idle age before normal-priority eviction
	Inactivity    time.Duration // stop leases idle beyond this
	SweepInterval time.Duration
	Debounce      time.Duration
	MaxBatch      int
}

func (c Config) withDefaults() Config {
	if c.MaxWatchers <= 0 {
		c.MaxWatchers = 20
	}
	if c.QueueWait <= 0 {
		c.QueueWait = 5 * time.Second
	}
	if c.MinAge <= 0 {
		c.MinAge = 5 * time.Minute
	}
	if c.Inactivity <= 0 {
		c.Inactivity = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.Debounce <= 0 {
		c.Debounce = 100 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 64
	}
	return c
}

// Pool manages at most MaxWatchers live per-project watchers. One manager
// goroutine owns the lease table and all admission decisions; watchers only
// push events back through the command channel.
type Pool struct {
	cfg  Config
	bc   *events.Broadcaster
	log  *zap.Logger
	cmds chan any
	done chan struct{}

	closeOnce sync.Once
	stopped   chan struct{}

	// newRunner is swapped by tests.
	newRunner func(project string, sb *sandbox.Sandbox, onFlush func(int)) runner
}

// NewPool creates the pool and starts its manager goroutine.
func NewPool(cfg Config, bc *events.Broadcaster, log *zap.Logger) *Pool {
	return newPool(cfg, bc, log, nil)
}

func newPool(cfg Config, bc *events.Broadcaster, log *zap.Logger, factory func(project string, sb *sandbox.Sandbox, onFlush func(int)) runner) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if bc == nil {
		bc = events.NewBroadcaster()
	}
	p := &Pool{
		cfg:     cfg.withDefaults(),
		bc:      bc,
		log:     log,
		cmds:    make(chan any, 256),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	p.newRunner = factory
	if p.newRunner == nil {
		p.newRunner = func(project string, sb *sandbox.Sandbox, onFlush func(int)) runner {
			return newFSWatcher(project, sb, p.bc, p.cfg.Debounce, p.cfg.MaxBatch, onFlush, p.log)
		}
	}
	go p.manage()
	return p
}

// Events returns the broadcaster delivering this pool's batches.
func (p *Pool) Events() *events.Broadcaster {
	return p.bc
}

// Start requests a watcher for project. The reply is Started,
// AlreadyRunning, or Queued with a Done channel resolving within the
// bounded wait.
func (p *Pool) Start(ctx context.Context, project string, opts StartOptions) (StartResult, error) {
	reply := make(chan startReply, 1)
	if err := p.send(ctx, cmdStart{project: project, opts: opts, reply: reply}); err != nil {
		return StartResult{}, err
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-ctx.Done():
		return StartResult{}, ctx.Err()
	}
}

// StartWait is Start plus blocking on the queued Done channel.
func (p *Pool) StartWait(ctx context.Context, project string, opts StartOptions) (StartStatus, error) {
	res, err := p.Start(ctx, project, opts)
	if err != nil {
		return "", err
	}
	if res.Status != StatusQueued {
		return res.Status, nil
	}
	select {
	case qerr := <-res.Done:
		if qerr != nil {
			return StatusQueued, qerr
		}
		return StatusStarted, nil
	case <-ctx.Done():
		return StatusQueued, ctx.Err()
	}
}

// Stop stops and removes the project's watcher. Stopping an absent project
// is a no-op.
func (p *Pool) Stop(ctx context.Context, project string) error {
	reply := make(chan error, 1)
	if err := p.send(ctx, cmdStop{project: project, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TouchActivity refreshes the lease's activity timestamp, protecting it
// from idle eviction.
func (p *Pool) TouchActivity(project string) {
	select {
	case p.cmds <- cmdTouch{project: project}:
	case <-p.done:
	}
}

// Info returns the lease snapshot for project, or nil when absent.
func (p *Pool) Info(ctx context.Context, project string) (*LeaseInfo, error) {
	reply := make(chan *LeaseInfo, 1)
	if err := p.send(ctx, cmdInfo{project: project, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case info := <-reply:
		return info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns snapshots of all leases.
func (p *Pool) List(ctx context.Context) ([]LeaseInfo, error) {
	reply := make(chan []LeaseInfo, 1)
	if err := p.send(ctx, cmdList{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case infos := <-reply:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns the pool counters.
func (p *Pool) Stats(ctx context.Context) (PoolStats, error) {
	reply := make(chan PoolStats, 1)
	if err := p.send(ctx, cmdStats{reply: reply}); err != nil {
		return PoolStats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return PoolStats{}, ctx.Err()
	}
}

// Close stops the manager and all watchers. Pending queued requests fail
// with ErrPoolClosed.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	<-p.stopped
}

func (p *Pool) send(ctx context.Context, cmd any) error {
	select {
	case p.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}
}

// Commands processed by the manager goroutine.
type (
	startReply struct {
		res StartResult
		err error
	}
	cmdStart struct {
		project string
		opts    StartOptions
		reply   chan startReply
	}
	cmdStop struct {
		project string
		reply   chan error
	}
	cmdTouch struct{ project string }
	cmdNote  struct {
		project string
		n       int
	}
	cmdExit struct {
		project string
		r       runner
		err     error
	}
	cmdTimeout struct{ p *pending }
	cmdInfo    struct {
		project string
		reply   chan *LeaseInfo
	}
	cmdList  struct{ reply chan []LeaseInfo }
	cmdStats struct{ reply chan PoolStats }
)

// lease is the manager-owned record of one live watcher.
type lease struct {
	project      string
	root         string
	state        State
	startedAt    time.Time
	lastActivity time.Time
	eventCount   int64
	priority     Priority
	restarts     int
	r            runner
}

// pending is a queued admission request.
type pending struct {
	project string
	opts    StartOptions
	done    chan error
	timer   *time.Timer
}

// manager holds the state owned exclusively by the manager goroutine.
type manager struct {
	p      *Pool
	leases map[string]*lease
	queue  []*pending

	started         int64
	evicted         int64
	crashed         int64
	restarted       int64
	queueTimeouts   int64
	inactivityStops int64
}

func (p *Pool) manage() {
	defer close(p.stopped)

	m := &manager{p: p, leases: make(map[string]*lease)}
	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case cmd := <-p.cmds:
			m.handle(cmd)
		case <-sweep.C:
			m.sweepIdle(time.Now())
		case <-p.done:
			m.shutdown()
			return
		}
	}
}

func (m *manager) handle(cmd any) {
	now := time.Now()
	switch c := cmd.(type) {
	case cmdStart:
		m.handleStart(c, now)
	case cmdStop:
		c.reply <- m.handleStop(c.project)
	case cmdTouch:
		if l, ok := m.leases[c.project]; ok {
			l.lastActivity = now
		}
	case cmdNote:
		if l, ok := m.leases[c.project]; ok {
			l.eventCount += int64(c.n)
			l.lastActivity = now
		}
	case cmdExit:
		m.handleExit(c, now)
	case cmdTimeout:
		m.handleTimeout(c.p)
	case cmdInfo:
		if l, ok := m.leases[c.project]; ok {
			info := l.snapshot()
			c.reply <- &info
		} else {
			c.reply <- nil
		}
	case cmdList:
		infos := make([]LeaseInfo, 0, len(m.leases))
		for _, l := range m.leases {
			infos = append(infos, l.snapshot())
		}
		c.reply <- infos
	case cmdStats:
		c.reply <- PoolStats{
			Live:            len(m.leases),
			Queued:          len(m.queue),
			Started:         m.started,
			Evicted:         m.evicted,
			Crashed:         m.crashed,
			Restarted:       m.restarted,
			QueueTimeouts:   m.queueTimeouts,
			InactivityStops: m.inactivityStops,
		}
	}
}

func (m *manager) handleStart(c cmdStart, now time.Time) {
	if _, ok := m.leases[c.project]; ok {
		c.reply <- startReply{res: StartResult{Status: StatusAlreadyRunning}}
		return
	}

	if len(m.leases) < m.p.cfg.MaxWatchers {
		err := m.startLease(c.project, c.opts, now, 0)
		c.reply <- startReply{res: StartResult{Status: StatusStarted}, err: err}
		return
	}

	// At capacity: try LRU eviction. Normal-priority requests may only
	// evict leases idle beyond the minimum age.
	if cand := m.evictionCandidate(now, c.opts.Priority); cand != nil {
		m.evict(cand)
		err := m.startLease(c.project, c.opts, now, 0)
		c.reply <- startReply{res: StartResult{Status: StatusStarted}, err: err}
		return
	}

	// No candidate: queue with a bounded wait.
	pd := &pending{project: c.project, opts: c.opts, done: make(chan error, 1)}
	pd.timer = time.AfterFunc(m.p.cfg.QueueWait, func() {
		select {
		case m.p.cmds <- cmdTimeout{p: pd}:
		case <-m.p.done:
		}
	})
	m.queue = append(m.queue, pd)
	metrics.SetWatcherQueueDepth(len(m.queue))
	c.reply <- startReply{res: StartResult{Status: StatusQueued, Done: pd.done}}
}

func (m *manager) handleStop(project string) error {
	l, ok := m.leases[project]
	if !ok {
		return nil
	}
	l.state = StateStopped
	l.r.stop()
	delete(m.leases, project)
	metrics.SetWatchersActive(len(m.leases))
	m.p.log.Info("watcher stopped", zap.String("project", project))
	m.drainQueue(time.Now())
	return nil
}

func (m *manager) handleExit(c cmdExit, now time.Time) {
	l, ok := m.leases[c.project]
	if !ok || l.r != c.r {
		return // stale exit from an already evicted or stopped lease
	}
	delete(m.leases, c.project)

	if c.err != nil {
		l.state = StateCrashed
		m.crashed++
		m.p.log.Error("watcher crashed",
			zap.String("project", c.project), zap.Error(c.err))
		// Bounded restart: one attempt per lease lifetime.
		if l.restarts < 1 {
			opts := StartOptions{Root: l.root, Priority: l.priority}
			if rerr := m.startLease(c.project, opts, now, l.restarts+1); rerr != nil {
				m.p.log.Error("watcher restart failed",
					zap.String("project", c.project), zap.Error(rerr))
			} else {
				m.restarted++
			}
		}
	}

	metrics.SetWatchersActive(len(m.leases))
	m.drainQueue(now)
}

func (m *manager) handleTimeout(pd *pending) {
	for i, q := range m.queue {
		if q == pd {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.queueTimeouts++
			metrics.SetWatcherQueueDepth(len(m.queue))
			pd.done <- errs.ErrQueueTimeout
			return
		}
	}
	// Already drained; the done channel was resolved when the slot freed.
}

func (m *manager) startLease(project string, opts StartOptions, now time.Time, restarts int) error {
	sb, err := sandbox.New(opts.Root)
	if err != nil {
		return err
	}

	l := &lease{
		project:      project,
		root:         sb.Root(),
		state:        StateStarting,
		startedAt:    now,
		lastActivity: now,
		priority:     opts.Priority,
		restarts:     restarts,
	}

	onFlush := func(n int) {
		select {
		case m.p.cmds <- cmdNote{project: project, n: n}:
		case <-m.p.done:
		}
	}
	r := m.p.newRunner(project, sb, onFlush)
	l.r = r
	r.run(func(exitErr error) {
		select {
		case m.p.cmds <- cmdExit{project: project, r: r, err: exitErr}:
		case <-m.p.done:
		}
	})

	l.state = StateActive
	m.leases[project] = l
	m.started++
	metrics.SetWatchersActive(len(m.leases))
	m.p.log.Info("watcher started",
		zap.String("project", project), zap.String("root", l.root))
	return nil
}

// evictionCandidate returns the least-recently-active lease eligible for
// eviction, or nil.
func (m *manager) evictionCandidate(now time.Time, prio Priority) *lease {
	var oldest *lease
	for _, l := range m.leases {
		if l.state != StateActive {
			continue
		}
		if oldest == nil || l.lastActivity.Before(oldest.lastActivity) {
			oldest = l
		}
	}
	if oldest == nil {
		return nil
	}
	if prio != PriorityHigh && now.Sub(oldest.lastActivity) < m.p.cfg.MinAge {
		return nil
	}
	return oldest
}

func (m *manager) evict(l *lease) {
	l.state = StateEvicted
	l.r.stop()
	delete(m.leases, l.project)
	m.evicted++
	metrics.RecordWatcherEviction()
	metrics.SetWatchersActive(len(m.leases))
	m.p.log.Info("watcher evicted",
		zap.String("project", l.project),
		zap.Duration("idle", time.Since(l.lastActivity)))
}

// drainQueue admits queued requests against freed capacity, oldest first.
func (m *manager) drainQueue(now time.Time) {
	for len(m.queue) > 0 && len(m.leases) < m.p.cfg.MaxWatchers {
		pd := m.queue[0]
		m.queue = m.queue[1:]
		pd.timer.Stop()

		if _, ok := m.leases[pd.project]; ok {
			pd.done <- nil // became running while queued
			continue
		}
		pd.done <- m.startLease(pd.project, pd.opts, now, 0)
	}
	metrics.SetWatcherQueueDepth(len(m.queue))
}

// sweepIdle stops leases inactive beyond the timeout, then drains the
// admission queue against the freed capacity.
func (m *manager) sweepIdle(now time.Time) {
	for project, l := range m.leases {
		if now.Sub(l.lastActivity) <= m.p.cfg.Inactivity {
			continue
		}
		l.state = StateStopped
		l.r.stop()
		delete(m.leases, project)
		m.inactivityStops++
		m.p.log.Info("watcher stopped for inactivity",
			zap.String("project", project),
			zap.Duration("idle", now.Sub(l.lastActivity)))
	}
	metrics.SetWatchersActive(len(m.leases))
	m.drainQueue(now)
}

func (m *manager) shutdown() {
	for _, l := range m.leases {
		l.r.stop()
	}
	m.leases = make(map[string]*lease)
	for _, pd := range m.queue {
		pd.timer.Stop()
		pd.done <- ErrPoolClosed
	}
	m.queue = nil
	metrics.SetWatchersActive(0)
	metrics.SetWatcherQueueDepth(0)
}

func (l *lease) snapshot() LeaseInfo {
	return LeaseInfo{
		Project:      l.project,
		State:        l.state,
		RootPath:     l.root,
		StartedAt:    l.startedAt,
		LastActivity: l.lastActivity,
		EventCount:   l.eventCount,
		Priority:     l.priority,
	}
}
