// Package sync keeps the local settings cache and the remote per-identity
// settings document eventually consistent across offline periods, without
// ever blocking the UI on network latency.
package sync

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/interfaces"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/logger"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/settings"
)

// State is the engine's sync state.
type State int

const (
	StateIdle State = iota
	StatePending
	StateInFlight
	StateOfflineQueued
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in-flight"
	case StateOfflineQueued:
		return "offline-queued"
	}
	return "unknown"
}

// ErrUnavailable classifies a backend failure as connectivity-shaped.
// Collaborator DocStore implementations wrap transport failures with it.
var ErrUnavailable = errors.New("backend unreachable")

// DefaultDebounce coalesces bursts of edits into one remote write.
const DefaultDebounce = 700 * time.Millisecond

const defaultCollection = "userSettings"

// offlineLike reports whether err is attributable to connectivity rather
// than a real backend rejection.
func offlineLike(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// LocalStore is the local persisted snapshot store.
type LocalStore interface {
	Load() (settings.Snapshot, bool, error)
	Save(settings.Snapshot) error
}

// Engine reconciles the local settings cache with the remote per-identity
// document. All remote traffic is asynchronous; Save returns before any
// network I/O starts.
type Engine struct {
	docs  interfaces.DocStore
	store LocalStore

	debounce   time.Duration
	collection string
	clock      func() time.Time

	// OnApply is invoked (without the engine lock) when a remote merge
	// changes the effective settings.
	OnApply func(settings.Snapshot)
	// OnError is invoked for failures that must be surfaced to the user.
	OnError func(error)

	mu       sync.Mutex
	current  settings.Snapshot
	identity *interfaces.Identity
	online   bool

	pending     bool // a change arrived while a write was in flight
	inFlight    bool // at most one network write in flight per identity
	writeQueued bool // a change exists but the network is unavailable
	fetchQueued bool // initial fetch blocked by offline

	fetched map[string]bool // identities fetched this session

	timer       *time.Timer
	retryDelays *Backoff
	retryFails  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithDebounce overrides the write-coalescing quiet period.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) { e.debounce = d }
}

// WithCollection overrides the remote collection name.
func WithCollection(name string) Option {
	return func(e *Engine) { e.collection = name }
}

// WithRetryBackoff overrides the reconnect-retry spacing.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(e *Engine) { e.retryDelays = NewBackoff(base, max) }
}

// New creates an engine over a local store and a remote document store.
// The engine starts online with the local snapshot (or defaults).
func New(store LocalStore, docs interfaces.DocStore, opts ...Option) (*Engine, error) {
	e := &Engine{
		docs:        docs,
		store:       store,
		debounce:    DefaultDebounce,
		collection:  defaultCollection,
		clock:       time.Now,
		online:      true,
		fetched:     make(map[string]bool),
		retryDelays: NewBackoff(time.Second, time.Minute),
	}
	for _, o := range opts {
		o(e)
	}

	snap, found, err := store.Load()
	if err != nil {
		return nil, err
	}
	if !found {
		snap = settings.Default()
	}
	e.current = snap
	return e, nil
}

// Current returns the effective settings snapshot.
func (e *Engine) Current() settings.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.Clone()
}

// State returns the engine's sync state, for diagnostics and tests.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.inFlight:
		return StateInFlight
	case e.writeQueued || e.fetchQueued:
		return StateOfflineQueued
	case e.timer != nil || e.pending:
		return StatePending
	}
	return StateIdle
}

// Save updates the local cache synchronously and schedules a debounced
// remote write if an identity is signed in. It never waits on the network.
func (e *Engine) Save(next settings.Snapshot) error {
	e.mu.Lock()
	e.current = next.Clone()
	signedIn := e.identity != nil
	e.mu.Unlock()

	if err := e.store.Save(next); err != nil {
		return err
	}
	if !signedIn {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, e.flush)
	logger.Debug("remote write debounced", "quiet_period", e.debounce)
	return nil
}

// flush dispatches the coalesced remote write. Runs on the debounce timer
// goroutine and on drain-to-fixpoint continuation.
func (e *Engine) flush() {
	e.mu.Lock()
	e.timer = nil
	if e.identity == nil {
		e.mu.Unlock()
		return
	}
	if e.inFlight {
		// A settings change arrived while a write is in flight: mark it
		// pending rather than issuing a second concurrent write.
		e.pending = true
		e.mu.Unlock()
		return
	}
	if !e.online {
		e.writeQueued = true
		logger.Info("sync state", "state", StateOfflineQueued.String())
		e.mu.Unlock()
		return
	}
	e.inFlight = true
	uid := e.identity.UID
	doc := settings.RemoteDoc{
		Settings:      e.current.Shared(),
		SchemaVersion: settings.SchemaVersion,
		UpdatedAt:     e.clock().UnixMilli(),
	}
	e.mu.Unlock()

	go e.write(uid, doc)
}

func (e *Engine) write(uid string, doc settings.RemoteDoc) {
	logger.Debug("remote write started", "uid", uid)
	err := e.docs.Set(context.Background(), e.collection, uid, doc, true)

	e.mu.Lock()
	e.inFlight = false
	switch {
	case err == nil:
		e.retryDelays.Reset()
		e.retryFails = 0
		e.writeQueued = false
		if e.pending {
			// Drain to fixpoint: a change arrived mid-write.
			e.pending = false
			e.mu.Unlock()
			logger.Debug("draining pending settings change", "uid", uid)
			e.flush()
			return
		}
		e.mu.Unlock()
		logger.Debug("remote write completed", "uid", uid)
	case offlineLike(err):
		e.writeQueued = true
		e.pending = false
		e.mu.Unlock()
		logger.Info("remote write queued offline", "uid", uid, "err", err)
	default:
		e.pending = false
		e.mu.Unlock()
		logger.Warn("remote write failed", "uid", uid, "err", err)
		e.notifyError(err)
	}
}

// SetOnline feeds connectivity transitions into the engine. On a transition
// to online, exactly one recovery action fires: a queued fetch takes
// priority over a queued write, because the fetched document, once merged,
// supersedes an immediately-stale write.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	if online == was || !online {
		e.mu.Unlock()
		return
	}

	switch {
	case e.fetchQueued:
		e.fetchQueued = false
		e.writeQueued = false
		id := e.identity
		e.mu.Unlock()
		if id != nil {
			logger.Info("reconnected, fetching remote settings", "uid", id.UID)
			go e.fetch(*id)
		}
	case e.writeQueued:
		e.writeQueued = false
		delay := time.Duration(0)
		if e.retryFails > 0 {
			delay = e.retryDelays.Next()
		}
		e.retryFails++
		e.mu.Unlock()
		logger.Info("reconnected, retrying queued write", "delay", delay)
		if delay == 0 {
			e.flush()
		} else {
			time.AfterFunc(delay, e.flush)
		}
	default:
		e.mu.Unlock()
	}
}

// SetIdentity feeds identity transitions into the engine. Sign-in triggers
// the once-per-identity initial fetch; sign-out resets sync state so a later
// sign-in re-fetches instead of trusting stale state.
func (e *Engine) SetIdentity(id *interfaces.Identity) {
	e.mu.Lock()
	if id == nil {
		e.identity = nil
		e.pending = false
		e.writeQueued = false
		e.fetchQueued = false
		e.fetched = make(map[string]bool)
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.mu.Unlock()
		logger.Info("signed out, sync state reset")
		return
	}

	e.identity = id
	if e.fetched[id.UID] {
		e.mu.Unlock()
		return
	}
	if !e.online {
		e.fetchQueued = true
		e.mu.Unlock()
		logger.Info("offline at sign-in, fetch queued", "uid", id.UID)
		return
	}
	e.mu.Unlock()
	go e.fetch(*id)
}

// fetch performs the once-per-identity initial merge: remote wins on shared
// fields, the ephemeral panel flag always stays local. A missing remote
// document is seeded from the current local settings.
func (e *Engine) fetch(id interfaces.Identity) {
	var doc settings.RemoteDoc
	err := e.docs.Get(context.Background(), e.collection, id.UID, &doc)

	switch {
	case err == nil:
		e.mu.Lock()
		if e.identity == nil || e.identity.UID != id.UID {
			e.mu.Unlock()
			return // signed out or switched while fetching
		}
		merged := settings.MergeRemote(e.current, doc.Settings)
		e.current = merged
		e.fetched[id.UID] = true
		cb := e.OnApply
		e.mu.Unlock()

		if saveErr := e.store.Save(merged); saveErr != nil {
			logger.Warn("persisting merged settings failed", "err", saveErr)
		}
		logger.Info("remote settings merged", "uid", id.UID, "schema_version", doc.SchemaVersion)
		if cb != nil {
			cb(merged)
		}
	case errors.Is(err, interfaces.ErrNotFound):
		e.mu.Lock()
		if e.identity == nil || e.identity.UID != id.UID {
			e.mu.Unlock()
			return
		}
		e.fetched[id.UID] = true
		e.mu.Unlock()
		logger.Info("no remote settings, seeding from local", "uid", id.UID)
		e.flush()
	case offlineLike(err):
		e.mu.Lock()
		e.fetchQueued = true
		e.mu.Unlock()
		logger.Info("fetch queued offline", "uid", id.UID, "err", err)
	default:
		logger.Warn("remote fetch failed", "uid", id.UID, "err", err)
		e.notifyError(err)
	}
}

func (e *Engine) notifyError(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

// Flush forces an immediate dispatch of any debounced write, for shutdown.
func (e *Engine) Flush() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.mu.Unlock()
		e.flush()
		return
	}
	e.mu.Unlock()
}
