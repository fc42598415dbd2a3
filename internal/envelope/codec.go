package envelope

import (
	"encoding/json"

	"github.com/google/uuid"
)

// wire is the superset shape every protocol message marshals to. Cross-frame
// messages carry the marker so receivers can skip unrelated window traffic;
// background-channel messages are recognized by type alone.
type wire struct {
	Marker    bool           `json:"__qb,omitempty"`
	Type      string         `json:"type"`
	RequestID string         `json:"requestId,omitempty"`
	Action    string         `json:"action,omitempty"`
	Key       string         `json:"key,omitempty"`
	Index     *int           `json:"index,omitempty"`
	Snapshot  map[string]any `json:"snapshot,omitempty"`

	APIKey             string `json:"apiKey,omitempty"`
	AuthToken          string `json:"authToken,omitempty"`
	BackendURL         string `json:"backendUrl,omitempty"`
	Model              string `json:"model,omitempty"`
	Input              string `json:"input,omitempty"`
	Instructions       string `json:"instructions,omitempty"`
	PreviousResponseID string `json:"previousResponseId,omitempty"`

	Delta      string `json:"delta,omitempty"`
	ResponseID string `json:"responseId,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewRequestID returns a globally-unique correlation id.
func NewRequestID() string {
	return uuid.NewString()
}

// Encode marshals a message to its wire form. Construction is pure: no
// side effects, no mutation of m.
func Encode(m Message) ([]byte, error) {
	w := wire{Type: m.MessageType(), RequestID: m.RequestID()}
	switch v := m.(type) {
	case Action:
		w.Marker = true
		w.Action = v.Action
		w.Key = v.Key
		w.Index = v.Index
	case QuestionRequest:
		w.Marker = true
	case QuestionSnapshot:
		w.Marker = true
		w.Snapshot = v.Snapshot
	case StreamRequest:
		w.APIKey = v.APIKey
		w.AuthToken = v.AuthToken
		w.BackendURL = v.BackendURL
		w.Model = v.Model
		w.Input = v.Input
		w.Instructions = v.Instructions
		w.PreviousResponseID = v.PreviousResponseID
	case StreamDelta:
		w.Delta = v.Delta
	case StreamDone:
		w.ResponseID = v.ResponseID
		w.Usage = v.Usage
	case StreamError:
		w.Error = v.Error
	}
	return json.Marshal(w)
}

// Decode parses raw transport bytes into a typed message. It returns
// (nil, false) for anything that is not a recognized, well-formed envelope:
// not JSON, not an object, unknown type, missing requestId, or a cross-frame
// type without the marker. Callers must treat false as "not my message" and
// skip it — shared transports carry unrelated traffic. Decode never errors
// and has no side effects.
func Decode(raw []byte) (Message, bool) {
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, false
	}
	if w.RequestID == "" {
		return nil, false
	}
	switch w.Type {
	case TypeAction, TypeQuestionRequest, TypeQuestionSnapshot:
		if !w.Marker {
			return nil, false
		}
	case TypeStreamRequest, TypeStreamDelta, TypeStreamDone, TypeStreamError:
	default:
		return nil, false
	}

	switch w.Type {
	case TypeAction:
		return Action{ReqID: w.RequestID, Action: w.Action, Key: w.Key, Index: w.Index}, true
	case TypeQuestionRequest:
		return QuestionRequest{ReqID: w.RequestID}, true
	case TypeQuestionSnapshot:
		return QuestionSnapshot{ReqID: w.RequestID, Snapshot: w.Snapshot}, true
	case TypeStreamRequest:
		return StreamRequest{
			ReqID:              w.RequestID,
			APIKey:             w.APIKey,
			AuthToken:          w.AuthToken,
			BackendURL:         w.BackendURL,
			Model:              w.Model,
			Input:              w.Input,
			Instructions:       w.Instructions,
			PreviousResponseID: w.PreviousResponseID,
		}, true
	case TypeStreamDelta:
		return StreamDelta{ReqID: w.RequestID, Delta: w.Delta}, true
	case TypeStreamDone:
		return StreamDone{ReqID: w.RequestID, ResponseID: w.ResponseID, Usage: w.Usage}, true
	case TypeStreamError:
		return StreamError{ReqID: w.RequestID, Error: w.Error}, true
	}
	return nil, false
}
