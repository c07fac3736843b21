// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor is the live half of taskwatch: it turns filesystem
// activity on agent transcripts into task state. A Pool owns one
// session worker per active transcript, correlates new transcripts
// with registered task starts, adopts unregistered ones as untracked
// tasks, and runs the periodic sweep that expires idle tasks and
// never-started registrations.
//
// The pool is the only writer of task records. Readers (the query
// layer, the HTTP handlers) go through the store and receive change
// notifications through the event hub.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/taskwatch/lib/clock"
	"github.com/bureau-foundation/taskwatch/lib/hub"
	"github.com/bureau-foundation/taskwatch/lib/index"
	"github.com/bureau-foundation/taskwatch/lib/store"
	"github.com/bureau-foundation/taskwatch/lib/task"
	"github.com/bureau-foundation/taskwatch/lib/transcript"
	"github.com/bureau-foundation/taskwatch/lib/watch"
)

// Defaults applied by Config.withDefaults.
const (
	// DefaultCorrelationWindow bounds the gap between a registered
	// start time and the first transcript timestamp for the two to be
	// treated as the same task.
	DefaultCorrelationWindow = 10 * time.Second

	// DefaultPendingExpiry is how long a registration may wait for a
	// transcript before the task is marked as never started.
	DefaultPendingExpiry = 2 * time.Minute

	// DefaultIdleTimeout is how long a running task may go without
	// transcript activity before it is considered finished.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultSweepInterval is how often the pool checks for idle
	// tasks and expired registrations.
	DefaultSweepInterval = 20 * time.Second
)

// Config configures a Pool.
type Config struct {
	// Records is the task record store. Required.
	Records *store.Store

	// Events receives state-change notifications. Required.
	Events *hub.Hub

	// Detector produces transcript change events. Required.
	Detector watch.Detector

	// Index receives parsed steps for search. Optional: nil disables
	// indexing.
	Index *index.Index

	// Logger is required.
	Logger *slog.Logger

	// Clock defaults to the system clock.
	Clock clock.Clock

	// CorrelationWindow, PendingExpiry, IdleTimeout, and
	// SweepInterval default to the package constants when zero.
	CorrelationWindow time.Duration
	PendingExpiry     time.Duration
	IdleTimeout       time.Duration
	SweepInterval     time.Duration

	// ArchiveAge is the age past completion at which task step logs
	// are compacted into archives. Zero disables archiving.
	ArchiveAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.Records == nil {
		panic("monitor.Config: Records is required")
	}
	if c.Events == nil {
		panic("monitor.Config: Events is required")
	}
	if c.Detector == nil {
		panic("monitor.Config: Detector is required")
	}
	if c.Logger == nil {
		panic("monitor.Config: Logger is required")
	}
	if c.Clock == nil {
		c.Clock = clock.System()
	}
	if c.CorrelationWindow == 0 {
		c.CorrelationWindow = DefaultCorrelationWindow
	}
	if c.PendingExpiry == 0 {
		c.PendingExpiry = DefaultPendingExpiry
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Pool coordinates session workers over the set of active
// transcripts. One Pool per daemon.
type Pool struct {
	records  *store.Store
	events   *hub.Hub
	detector watch.Detector
	index    *index.Index
	logger   *slog.Logger
	clock    clock.Clock

	idleTimeout   time.Duration
	sweepInterval time.Duration
	archiveAge    time.Duration

	correlator *correlator

	ready  chan struct{}
	runCtx context.Context

	mu   sync.RWMutex
	byID map[string]*session
	// byPath maps transcript paths to their live sessions so change
	// events route without a store read.
	byPath map[string]*session
	// transcriptTasks maps every transcript path ever bound to its
	// task id, live session or not. Restart recovery and terminal
	// tasks rely on it to keep late growth from being re-adopted as a
	// fresh untracked task.
	transcriptTasks map[string]string

	stepsParsed     atomic.Uint64
	parseWarnings   atomic.Uint64
	discontinuities atomic.Uint64
	adoptedCount    atomic.Uint64
	expiredCount    atomic.Uint64
}

// New creates a Pool. Call Run to start it.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		records:         cfg.Records,
		events:          cfg.Events,
		detector:        cfg.Detector,
		index:           cfg.Index,
		logger:          cfg.Logger,
		clock:           cfg.Clock,
		idleTimeout:     cfg.IdleTimeout,
		sweepInterval:   cfg.SweepInterval,
		archiveAge:      cfg.ArchiveAge,
		correlator:      newCorrelator(cfg.CorrelationWindow, cfg.PendingExpiry),
		ready:           make(chan struct{}),
		runCtx:          context.Background(),
		byID:            make(map[string]*session),
		byPath:          make(map[string]*session),
		transcriptTasks: make(map[string]string),
	}
}

// Ready closes once restart recovery has finished and the pool is
// consuming detector events.
func (p *Pool) Ready() <-chan struct{} {
	return p.ready
}

// Run restores persisted state, starts the detector and the sweep,
// and dispatches transcript change events until ctx is cancelled or
// the detector fails.
func (p *Pool) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.runCtx = runCtx
	p.mu.Unlock()

	if err := p.restore(); err != nil {
		return err
	}
	if p.index != nil {
		indexed, err := p.index.Reconcile(runCtx, p.records)
		if err != nil {
			p.logger.Warn("index reconcile failed", "error", err)
		} else if indexed > 0 {
			p.logger.Info("index reconciled", "steps", indexed)
		}
	}
	close(p.ready)

	detectorDone := make(chan error, 1)
	go func() { detectorDone <- p.detector.Run(runCtx) }()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		p.sweepLoop(runCtx)
	}()

	for event := range p.detector.Events() {
		p.dispatch(event.Path)
	}

	err := <-detectorDone
	cancel()
	<-sweepDone
	p.closeSessions()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// restore rebuilds in-memory state from persisted descriptors after a
// daemon restart. Running tasks with a bound transcript resume their
// sessions; running tasks still waiting for one re-enter the pending
// set with their original registration time, so the never-started
// expiry picks up where it left off.
func (p *Pool) restore() error {
	descriptors, err := p.records.ListDescriptors()
	if err != nil {
		return fmt.Errorf("restoring monitor state: %w", err)
	}

	var resumed, pending int
	for _, d := range descriptors {
		if d.Status == task.StatusUnknown {
			continue
		}
		if d.TranscriptPath != "" {
			p.mu.Lock()
			p.transcriptTasks[d.TranscriptPath] = d.ID
			p.mu.Unlock()
		}
		if d.Status != task.StatusRunning {
			continue
		}
		if d.TranscriptPath == "" {
			p.correlator.add(d.ID, d.WorkingDir, d.CreatedAt)
			pending++
			continue
		}
		if s := p.startSession(d, d.TranscriptPath); s != nil {
			// Read anything appended while the daemon was down.
			s.touch()
			resumed++
		}
	}
	p.logger.Info("restored monitoring state",
		"tasks", len(descriptors), "resumed", resumed, "pending", pending)
	return nil
}

// dispatch routes one transcript change event to its session,
// adopting the transcript first if no session exists yet.
func (p *Pool) dispatch(path string) {
	p.mu.RLock()
	s := p.byPath[path]
	p.mu.RUnlock()
	if s != nil {
		s.touch()
		return
	}
	p.adopt(path)
}

// adopt handles the first event for a transcript with no live
// session: a previously bound task resumes, a pending registration
// within the correlation window binds, and anything else becomes an
// untracked task.
func (p *Pool) adopt(path string) {
	p.mu.RLock()
	id, bound := p.transcriptTasks[path]
	p.mu.RUnlock()
	if bound {
		p.resumeTask(id, path)
		return
	}

	probe, err := transcript.ReadNew(path, transcript.Cursor{})
	if err != nil {
		p.logger.Warn("transcript probe failed", "path", path, "error", err)
		return
	}
	if len(probe.Entries) == 0 {
		// Nothing parseable yet. The append that adds content will
		// produce another touch.
		return
	}

	workingDir := ""
	for _, entry := range probe.Entries {
		if entry.WorkingDir != "" {
			workingDir = entry.WorkingDir
			break
		}
	}
	if workingDir == "" {
		workingDir = filepath.Dir(path)
	}
	firstTS := probe.Entries[0].Timestamp
	if firstTS.IsZero() {
		firstTS = p.clock.Now().UTC()
	}

	if registration, ok := p.correlator.match(workingDir, firstTS); ok {
		p.bindRegistered(registration, path)
		return
	}
	p.adoptUntracked(path, workingDir, firstTS)
}

// resumeTask restarts the session for a task whose transcript was
// bound before, typically after the worker retired or the daemon
// restarted. Growth on a terminal task's transcript is ignored.
func (p *Pool) resumeTask(id, path string) {
	descriptor, err := p.records.ReadDescriptor(id)
	if err != nil {
		p.logger.Warn("descriptor read failed", "task", id, "error", err)
		return
	}
	if descriptor.Status.Terminal() {
		p.logger.Debug("ignoring growth on terminal task transcript", "task", id, "path", path)
		return
	}
	if s := p.startSession(descriptor, path); s != nil {
		s.touch()
	}
}

// bindRegistered attaches a newly observed transcript to a matched
// pending registration.
func (p *Pool) bindRegistered(registration pendingRegistration, path string) {
	descriptor, err := p.records.ReadDescriptor(registration.id)
	if err != nil {
		p.logger.Warn("descriptor read failed", "task", registration.id, "error", err)
		return
	}
	if err := descriptor.CanModify(); err != nil {
		p.logger.Warn("refusing to bind transcript", "task", registration.id, "error", err)
		return
	}
	if descriptor.Status != task.StatusRunning {
		p.logger.Debug("registration matched a non-running task", "task", registration.id,
			"status", descriptor.Status)
		return
	}
	p.rebind(descriptor, path)
	if err := p.records.WriteDescriptor(descriptor); err != nil {
		p.logger.Warn("descriptor write failed", "task", registration.id, "error", err)
	}
	p.logger.Info("transcript correlated", "task", registration.id, "path", path,
		"working_dir", registration.workingDir)

	// A reopened task may still have its previous worker retiring;
	// wait it out so the new transcript gets a fresh session.
	p.Stop(registration.id)
	if s := p.startSession(descriptor, path); s != nil {
		s.touch()
	}
}

// rebind points a descriptor at a transcript path. A continued task
// binding a different file than its previous session gets a fresh
// cursor, otherwise the stale offset would read as a truncation.
func (p *Pool) rebind(descriptor *task.Descriptor, path string) {
	if descriptor.TranscriptPath != "" && descriptor.TranscriptPath != path {
		if err := p.records.WriteCursor(descriptor.ID, transcript.Cursor{}); err != nil {
			p.logger.Warn("cursor reset failed", "task", descriptor.ID, "error", err)
		}
	}
	descriptor.TranscriptPath = path
}

// adoptUntracked creates a task for a transcript no registration
// claimed. The id derives from the path, so re-adoption after a
// restart or a descriptor wipe lands on the same task.
func (p *Pool) adoptUntracked(path, workingDir string, firstTS time.Time) {
	id := untrackedID(path)
	if err := p.records.EnsureTask(id); err != nil {
		p.logger.Warn("untracked adoption failed", "path", path, "error", err)
		return
	}

	descriptor, err := p.records.ReadDescriptor(id)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		descriptor = task.NewDescriptor(id, "", workingDir, firstTS)
		descriptor.Untracked = true
		descriptor.TranscriptPath = path
		if err := p.records.WriteDescriptor(descriptor); err != nil {
			p.logger.Warn("descriptor write failed", "task", id, "error", err)
			return
		}
		p.adoptedCount.Add(1)
		p.events.Publish(hub.StatusChanged(id, task.StatusRunning, "untracked session", firstTS))
		p.logger.Info("adopted untracked session", "task", id, "path", path,
			"working_dir", workingDir)
	case err != nil:
		p.logger.Warn("descriptor read failed", "task", id, "error", err)
		return
	case descriptor.Status.Terminal():
		p.logger.Debug("ignoring growth on terminal task transcript", "task", id, "path", path)
		return
	}

	if s := p.startSession(descriptor, path); s != nil {
		s.touch()
	}
}

// startSession creates and launches the worker for a task, or returns
// the live one if a racing caller got there first.
func (p *Pool) startSession(descriptor *task.Descriptor, path string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.byID[descriptor.ID]; ok {
		return existing
	}
	s, err := newSession(p, descriptor, path)
	if err != nil {
		p.logger.Warn("session start failed", "task", descriptor.ID, "error", err)
		return nil
	}
	p.byID[descriptor.ID] = s
	p.byPath[path] = s
	p.transcriptTasks[path] = descriptor.ID
	go s.run(p.runCtx)
	return s
}

// retire removes a finished session from the routing maps and closes
// its step log. Called by the worker on exit.
func (p *Pool) retire(s *session) {
	p.mu.Lock()
	if p.byID[s.id] == s {
		delete(p.byID, s.id)
	}
	if p.byPath[s.path] == s {
		delete(p.byPath, s.path)
	}
	p.mu.Unlock()
	if err := s.steplog.Close(); err != nil {
		p.logger.Warn("step log close failed", "task", s.id, "error", err)
	}
	p.logger.Debug("session retired", "task", s.id)
}

// Registration is an announced task start.
type Registration struct {
	ID         string    `json:"task_id"`
	Title      string    `json:"title,omitempty"`
	WorkingDir string    `json:"working_dir"`
	StartTime  time.Time `json:"start_time,omitempty"`
}

// RegisterStart records that a task is starting and begins waiting
// for its transcript to appear. Registering a running task refreshes
// the pending window; registering a terminal task reopens it for a
// continued session.
func (p *Pool) RegisterStart(registration Registration) error {
	if err := task.ValidID(registration.ID); err != nil {
		return err
	}
	startTime := registration.StartTime
	if startTime.IsZero() {
		startTime = p.clock.Now().UTC()
	}

	descriptor, err := p.records.ReadDescriptor(registration.ID)
	switch {
	case err == nil && descriptor.Status.Terminal():
		return p.reopen(descriptor, registration, startTime)
	case err == nil:
		// Already running: refresh the pending registration so a
		// retried start keeps its correlation window, unless a
		// transcript is already bound.
		if descriptor.TranscriptPath != "" {
			return nil
		}
		workingDir := registration.WorkingDir
		if workingDir == "" {
			workingDir = descriptor.WorkingDir
		}
		p.correlator.add(registration.ID, workingDir, startTime)
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return p.registerNew(registration, startTime)
	default:
		return fmt.Errorf("registering task %s: %w", registration.ID, err)
	}
}

func (p *Pool) registerNew(registration Registration, startTime time.Time) error {
	if registration.WorkingDir == "" {
		return fmt.Errorf("task %s: working_dir is required", registration.ID)
	}
	if err := p.records.EnsureTask(registration.ID); err != nil {
		return fmt.Errorf("registering task %s: %w", registration.ID, err)
	}
	descriptor := task.NewDescriptor(registration.ID, registration.Title,
		registration.WorkingDir, startTime)
	if err := p.records.WriteDescriptor(descriptor); err != nil {
		return fmt.Errorf("registering task %s: %w", registration.ID, err)
	}
	p.correlator.add(registration.ID, registration.WorkingDir, startTime)
	p.events.Publish(hub.StatusChanged(registration.ID, task.StatusRunning, "registered", startTime))
	p.logger.Info("task registered", "task", registration.ID,
		"working_dir", registration.WorkingDir, "title", registration.Title)
	return nil
}

// reopen returns a terminal task to RUNNING for a continued agent
// session, inflating its archive first when needed.
func (p *Pool) reopen(descriptor *task.Descriptor, registration Registration, startTime time.Time) error {
	if err := descriptor.CanModify(); err != nil {
		return err
	}
	if p.records.Archived(descriptor.ID) {
		if err := p.records.Inflate(descriptor.ID); err != nil {
			return fmt.Errorf("inflating archived steps for %s: %w", descriptor.ID, err)
		}
	}
	if err := task.Reopen(descriptor, startTime); err != nil {
		return err
	}
	if registration.Title != "" {
		descriptor.Title = registration.Title
	}
	if registration.WorkingDir != "" {
		descriptor.WorkingDir = registration.WorkingDir
	}
	if err := p.records.WriteDescriptor(descriptor); err != nil {
		return fmt.Errorf("reopening task %s: %w", descriptor.ID, err)
	}
	p.correlator.add(descriptor.ID, descriptor.WorkingDir, startTime)
	p.events.Publish(hub.StatusChanged(descriptor.ID, task.StatusRunning, "continue requested", startTime))
	p.logger.Info("task reopened", "task", descriptor.ID, "working_dir", descriptor.WorkingDir)
	return nil
}

// RegisterStop records an advisory stop request: the task finishes as
// COMPLETED.
func (p *Pool) RegisterStop(id string) error {
	return p.signalTask(id, false)
}

// RegisterCancel records an explicit cancellation: the task finishes
// as CANCELLED.
func (p *Pool) RegisterCancel(id string) error {
	return p.signalTask(id, true)
}

func (p *Pool) signalTask(id string, cancel bool) error {
	if err := task.ValidID(id); err != nil {
		return err
	}
	now := p.clock.Now().UTC()
	p.correlator.remove(id)

	p.mu.RLock()
	s := p.byID[id]
	p.mu.RUnlock()
	if s != nil {
		if cancel {
			s.cancel(now)
		} else {
			s.stop(now)
		}
		return nil
	}

	// No live session: a registration still waiting for its
	// transcript, or a task already terminal.
	descriptor, err := p.records.ReadDescriptor(id)
	if err != nil {
		return fmt.Errorf("signaling task %s: %w", id, err)
	}
	if err := descriptor.CanModify(); err != nil {
		return err
	}
	var update task.Update
	if cancel {
		update = task.Cancel(descriptor, now)
	} else {
		update = task.Stop(descriptor, now)
	}
	if !update.StatusChanged {
		return nil
	}
	if err := p.records.WriteDescriptor(descriptor); err != nil {
		return fmt.Errorf("signaling task %s: %w", id, err)
	}
	p.writeSummary(descriptor)
	p.events.Publish(hub.TaskCompleted(id, update.Status, update.Reason, *descriptor.CompletedAt))
	p.logger.Info("task completed", "task", id, "status", update.Status, "reason", update.Reason)
	return nil
}

// RegisterContinue reopens a terminal task without new metadata, for
// a follow-up agent session in the same working directory.
func (p *Pool) RegisterContinue(id string) error {
	if err := task.ValidID(id); err != nil {
		return err
	}
	descriptor, err := p.records.ReadDescriptor(id)
	if err != nil {
		return fmt.Errorf("continuing task %s: %w", id, err)
	}
	if !descriptor.Status.Terminal() {
		return fmt.Errorf("task %s: continue requires a terminal task", id)
	}
	return p.reopen(descriptor, Registration{ID: id}, p.clock.Now().UTC())
}

// Start binds a transcript to a task directly, bypassing correlation.
// Used by operators when the window was missed.
func (p *Pool) Start(id, transcriptPath string) error {
	descriptor, err := p.records.ReadDescriptor(id)
	if err != nil {
		return fmt.Errorf("starting task %s: %w", id, err)
	}
	if descriptor.Status.Terminal() {
		return fmt.Errorf("task %s: cannot bind a transcript to a %s task", id, descriptor.Status)
	}
	if descriptor.TranscriptPath != transcriptPath {
		p.rebind(descriptor, transcriptPath)
		if err := p.records.WriteDescriptor(descriptor); err != nil {
			return fmt.Errorf("starting task %s: %w", id, err)
		}
		p.Stop(id)
	}
	p.correlator.remove(id)
	s := p.startSession(descriptor, transcriptPath)
	if s == nil {
		return fmt.Errorf("task %s: session start failed", id)
	}
	s.touch()
	return nil
}

// Stop ends the session worker for a task without changing its
// status, waiting for the worker to flush and retire. The task goes
// idle until its transcript grows again.
func (p *Pool) Stop(id string) {
	p.mu.RLock()
	s := p.byID[id]
	p.mu.RUnlock()
	if s == nil {
		return
	}
	s.end()
	<-s.done
}

// ActiveTask describes one live session.
type ActiveTask struct {
	ID             string `json:"id"`
	TranscriptPath string `json:"transcript_path"`
}

// List returns the live sessions sorted by task id.
func (p *Pool) List() []ActiveTask {
	p.mu.RLock()
	active := make([]ActiveTask, 0, len(p.byID))
	for _, s := range p.byID {
		active = append(active, ActiveTask{ID: s.id, TranscriptPath: s.path})
	}
	p.mu.RUnlock()
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active
}

// closeSessions ends every worker and waits for them to flush.
func (p *Pool) closeSessions() {
	p.mu.RLock()
	sessions := make([]*session, 0, len(p.byID))
	for _, s := range p.byID {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()
	for _, s := range sessions {
		s.end()
	}
	for _, s := range sessions {
		<-s.done
	}
	p.logger.Info("monitor pool stopped", "sessions", len(sessions))
}

// sweepLoop runs the periodic maintenance pass until ctx is
// cancelled.
func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := p.clock.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep expires idle tasks, fails registrations that never produced a
// transcript, and compacts old completed tasks into archives.
func (p *Pool) sweep() {
	now := p.clock.Now().UTC()

	p.mu.RLock()
	sessions := make([]*session, 0, len(p.byID))
	for _, s := range p.byID {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()
	for _, s := range sessions {
		s.expireIdle(now, p.idleTimeout)
	}

	for _, registration := range p.correlator.takeExpired(now) {
		p.expirePending(registration)
	}

	if p.archiveAge > 0 {
		p.sweepArchives(now)
	}
}

// expirePending marks a registration that never produced a transcript
// as an error. A registration whose task got a transcript or reached
// a terminal state through another path is dropped silently.
func (p *Pool) expirePending(registration pendingRegistration) {
	descriptor, err := p.records.ReadDescriptor(registration.id)
	if err != nil {
		p.logger.Warn("expiring registration: descriptor read failed",
			"task", registration.id, "error", err)
		return
	}
	if descriptor.Status != task.StatusRunning || descriptor.TranscriptPath != "" {
		return
	}
	update, err := task.Apply(descriptor, nil, task.StatusError, "never started")
	if err != nil || !update.StatusChanged {
		return
	}
	if err := p.records.WriteDescriptor(descriptor); err != nil {
		p.logger.Warn("descriptor write failed", "task", registration.id, "error", err)
	}
	p.writeSummary(descriptor)
	p.expiredCount.Add(1)
	p.events.Publish(hub.TaskCompleted(registration.id, update.Status, update.Reason,
		*descriptor.CompletedAt))
	p.logger.Info("registration expired, task never started", "task", registration.id,
		"registered", registration.registered)
}

// sweepArchives compacts the step logs of tasks completed longer ago
// than the archive age.
func (p *Pool) sweepArchives(now time.Time) {
	descriptors, err := p.records.ListDescriptors()
	if err != nil {
		p.logger.Warn("archive sweep failed", "error", err)
		return
	}
	for _, d := range descriptors {
		if !d.Status.Terminal() || d.CompletedAt == nil {
			continue
		}
		if now.Sub(*d.CompletedAt) < p.archiveAge {
			continue
		}
		if err := p.records.Compact(d.ID); err != nil {
			p.logger.Warn("archive compaction failed", "task", d.ID, "error", err)
		}
	}
}

// indexSteps forwards a step batch to the search index. Index
// failures never affect task state; the index is rebuilt from the
// store on restart.
func (p *Pool) indexSteps(ctx context.Context, id string, steps []task.Step) {
	if p.index == nil {
		return
	}
	if err := p.index.InsertSteps(ctx, id, steps); err != nil {
		p.logger.Warn("step indexing failed", "task", id, "error", err)
	}
}

// writeSummary computes and persists the completion summary for a
// terminal task.
func (p *Pool) writeSummary(descriptor *task.Descriptor) {
	_, total, err := p.records.ReadSteps(descriptor.ID, 0, 0)
	if err != nil {
		p.logger.Warn("summary step read failed", "task", descriptor.ID, "error", err)
		return
	}
	steps, _, err := p.records.ReadSteps(descriptor.ID, 0, total)
	if err != nil {
		p.logger.Warn("summary step read failed", "task", descriptor.ID, "error", err)
		return
	}
	if err := p.records.WriteSummary(descriptor.ID, task.BuildSummary(descriptor, steps)); err != nil {
		p.logger.Warn("summary write failed", "task", descriptor.ID, "error", err)
	}
}

// Stats is a point-in-time snapshot of pool health for the status
// endpoint.
type Stats struct {
	ActiveSessions       int    `json:"active_sessions"`
	PendingRegistrations int    `json:"pending_registrations"`
	StepsParsed          uint64 `json:"steps_parsed"`
	ParseWarnings        uint64 `json:"parse_warnings"`
	Discontinuities      uint64 `json:"discontinuities"`
	UntrackedAdopted     uint64 `json:"untracked_adopted"`
	ExpiredRegistrations uint64 `json:"expired_registrations"`
	DetectorMode         string `json:"detector_mode"`
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	active := len(p.byID)
	p.mu.RUnlock()
	return Stats{
		ActiveSessions:       active,
		PendingRegistrations: p.correlator.count(),
		StepsParsed:          p.stepsParsed.Load(),
		ParseWarnings:        p.parseWarnings.Load(),
		Discontinuities:      p.discontinuities.Load(),
		UntrackedAdopted:     p.adoptedCount.Load(),
		ExpiredRegistrations: p.expiredCount.Load(),
		DetectorMode:         p.detector.Mode(),
	}
}
