// Package settings defines the user-configurable snapshot shared between the
// local persisted store and the per-identity remote document.
package settings

// SchemaVersion is written into every remote settings document.
const SchemaVersion = 1

// Known quiz actions bound to keyboard shortcuts.
const (
	ActionNextQuestion = "next-question"
	ActionPrevQuestion = "prev-question"
	ActionPickOption   = "pick-option"
	ActionReveal       = "reveal-answer"
	ActionToggleChat   = "toggle-chat"
)

// Snapshot is the full user-configurable state. Two copies exist at runtime:
// the local copy (authoritative for immediate UI) and the remote per-identity
// document. PanelOpen is ephemeral UI state and is never written remotely.
type Snapshot struct {
	Shortcuts    map[string]string `json:"shortcuts,omitempty" yaml:"shortcuts,omitempty"`
	Model        string            `json:"model,omitempty" yaml:"model,omitempty"`
	BackendURL   string            `json:"backendUrl,omitempty" yaml:"backend_url,omitempty"`
	Instructions string            `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	ShowImages   bool              `json:"showImages" yaml:"show_images"`
	AutoReveal   bool              `json:"autoReveal" yaml:"auto_reveal"`

	// PanelOpen tracks whether the chat panel is currently open. Local only.
	PanelOpen bool `json:"panelOpen" yaml:"-"`
}

// RemoteDoc is the per-identity document shape in the remote store.
type RemoteDoc struct {
	Settings      Snapshot `json:"settings"`
	SchemaVersion int      `json:"schemaVersion"`
	UpdatedAt     int64    `json:"updatedAt"` // epoch millis
}

// Default returns the out-of-the-box snapshot.
func Default() Snapshot {
	return Snapshot{
		Shortcuts: map[string]string{
			ActionNextQuestion: "ArrowRight",
			ActionPrevQuestion: "ArrowLeft",
			ActionReveal:       "Enter",
			ActionToggleChat:   "q",
		},
		Model:      "gpt-4o-mini",
		ShowImages: true,
	}
}

// Clone returns a deep copy so callers can mutate freely.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Shortcuts != nil {
		out.Shortcuts = make(map[string]string, len(s.Shortcuts))
		for k, v := range s.Shortcuts {
			out.Shortcuts[k] = v
		}
	}
	return out
}

// Shared returns the copy of s that may be written remotely: everything
// except ephemeral UI state.
func (s Snapshot) Shared() Snapshot {
	out := s.Clone()
	out.PanelOpen = false
	return out
}

// MergeRemote merges a remote snapshot over the local one. Remote wins on
// every shared field; PanelOpen is always taken from local.
func MergeRemote(local, remote Snapshot) Snapshot {
	out := remote.Clone()
	out.PanelOpen = local.PanelOpen
	return out
}
