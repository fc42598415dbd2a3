// Package app is the composition root of the extension client: it owns the
// settings sync engine, the chat stream client, and the action relay, and
// exposes the operations the UI layers call.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/action"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/interfaces"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/logger"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/settings"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/stream"
	syncengine "github.com/Shinyanogit/ipad-QB-support-sub000/internal/sync"
)

// Options wires an App from its collaborators.
type Options struct {
	Engine   *syncengine.Engine
	Stream   *stream.Client
	Actions  *action.Relay
	Identity interfaces.IdentityProvider // optional

	// APIKey authenticates chat requests when nobody is signed in.
	APIKey string

	// OnSettingsChanged is invoked whenever the effective settings change,
	// locally or from a remote merge.
	OnSettingsChanged func(settings.Snapshot)
}

// App coordinates the client-side subsystems.
type App struct {
	engine   *syncengine.Engine
	stream   *stream.Client
	actions  *action.Relay
	identity interfaces.IdentityProvider
	apiKey   string

	onSettingsChanged func(settings.Snapshot)

	mu             sync.Mutex
	lastResponseID string // threads follow-up questions into one conversation
}

func New(opts Options) (*App, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("app requires a sync engine")
	}
	a := &App{
		engine:            opts.Engine,
		stream:            opts.Stream,
		actions:           opts.Actions,
		identity:          opts.Identity,
		apiKey:            opts.APIKey,
		onSettingsChanged: opts.OnSettingsChanged,
	}

	a.engine.OnApply = func(snap settings.Snapshot) {
		logger.Info("settings updated from remote")
		a.notifySettings(snap)
	}
	if a.engine.OnError == nil {
		a.engine.OnError = func(err error) {
			logger.Warn("settings sync error", "err", err)
		}
	}

	if a.identity != nil {
		a.engine.SetIdentity(a.identity.CurrentIdentity())
		a.identity.OnIdentityChanged(func(id *interfaces.Identity) {
			a.engine.SetIdentity(id)
		})
	}

	return a, nil
}

func (a *App) notifySettings(snap settings.Snapshot) {
	if a.onSettingsChanged != nil {
		a.onSettingsChanged(snap)
	}
}

// Settings returns the current effective settings.
func (a *App) Settings() settings.Snapshot {
	return a.engine.Current()
}

// SaveSettings persists a full snapshot. The local write is synchronous;
// remote propagation is not.
func (a *App) SaveSettings(snap settings.Snapshot) error {
	if err := a.engine.Save(snap); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	a.notifySettings(snap)
	return nil
}

// UpdateSettings applies mutate to a copy of the current settings and saves
// the result.
func (a *App) UpdateSettings(mutate func(*settings.Snapshot)) error {
	snap := a.engine.Current()
	mutate(&snap)
	return a.SaveSettings(snap)
}

// SetPanelOpen records the panel's visibility. The flag lives in the local
// snapshot only; it never reaches the remote document.
func (a *App) SetPanelOpen(open bool) error {
	return a.UpdateSettings(func(s *settings.Snapshot) { s.PanelOpen = open })
}

// SetOnline forwards connectivity transitions to the sync engine.
func (a *App) SetOnline(online bool) {
	a.engine.SetOnline(online)
}

// HandleShortcut resolves a pressed key against the configured shortcut map
// and dispatches the bound action. Unbound keys are ignored.
func (a *App) HandleShortcut(ctx context.Context, key string) error {
	if a.actions == nil {
		return nil
	}
	snap := a.engine.Current()
	for act, bound := range snap.Shortcuts {
		if bound != key {
			continue
		}
		logger.Debug("shortcut pressed", "key", key, "action", act)
		return a.actions.Dispatch(ctx, act, key, -1)
	}
	return nil
}

// PickOption dispatches a pick of the index-th answer option.
func (a *App) PickOption(ctx context.Context, key string, index int) error {
	if a.actions == nil {
		return nil
	}
	return a.actions.Dispatch(ctx, settings.ActionPickOption, key, index)
}

// Ask streams one chat completion about the given question text. Deltas are
// forwarded to onDelta in order; the returned result carries the full text.
// A second Ask while one is in flight cancels the first.
func (a *App) Ask(ctx context.Context, question string, onDelta func(string)) (*stream.Result, error) {
	if a.stream == nil {
		return nil, fmt.Errorf("chat is not configured")
	}
	snap := a.engine.Current()

	req := stream.Request{
		Model:        snap.Model,
		BackendURL:   snap.BackendURL,
		Input:        question,
		Instructions: snap.Instructions,
	}
	a.mu.Lock()
	req.PreviousResponseID = a.lastResponseID
	a.mu.Unlock()

	if a.identity != nil && a.identity.CurrentIdentity() != nil {
		token, err := a.identity.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch auth token: %w", err)
		}
		req.AuthToken = token
	} else {
		req.APIKey = a.apiKey
	}

	res, err := a.stream.Send(ctx, req, onDelta)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.lastResponseID = res.ResponseID
	a.mu.Unlock()
	return res, nil
}

// CancelAsk cancels the in-flight chat stream, if any.
func (a *App) CancelAsk() {
	if a.stream != nil {
		a.stream.Cancel()
	}
}

// ResetConversation drops the response threading so the next Ask starts a
// fresh conversation.
func (a *App) ResetConversation() {
	a.mu.Lock()
	a.lastResponseID = ""
	a.mu.Unlock()
}

// Close flushes pending settings writes and cancels any in-flight stream.
func (a *App) Close() {
	if a.stream != nil {
		a.stream.Cancel()
	}
	a.engine.Flush()
}
