package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/envelope"
)

// ProducerRequest is one chat completion to stream from the backend.
type ProducerRequest struct {
	APIKey             string
	BackendURL         string
	Model              string
	Input              string
	Instructions       string
	PreviousResponseID string
}

// ProducerResult is the terminal outcome of a backend stream.
type ProducerResult struct {
	ResponseID string
	Usage      *envelope.Usage
}

// Producer streams chat completion tokens. onDelta is invoked once per
// increment, in arrival order.
type Producer interface {
	Stream(ctx context.Context, req ProducerRequest, onDelta func(delta string)) (*ProducerResult, error)
}

// maxConversations bounds the per-process threading cache.
const maxConversations = 64

// OpenAIProducer streams from an OpenAI-compatible chat completion API.
// Completed turns are cached by response id so a follow-up request carrying
// PreviousResponseID continues the same conversation.
type OpenAIProducer struct {
	// DefaultBackendURL and DefaultAPIKey apply when the request leaves
	// them empty.
	DefaultBackendURL string
	DefaultAPIKey     string

	mu    sync.Mutex
	turns map[string][]openai.ChatCompletionMessage
	order []string // response ids, oldest first
}

// history returns the cached messages for a prior response id. A miss (id
// unknown, or evicted) starts a fresh conversation.
func (p *OpenAIProducer) history(responseID string) []openai.ChatCompletionMessage {
	if responseID == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turns[responseID]
}

// remember caches the full message history that produced responseID,
// evicting the oldest conversation past the cap.
func (p *OpenAIProducer) remember(responseID string, msgs []openai.ChatCompletionMessage) {
	if responseID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.turns == nil {
		p.turns = make(map[string][]openai.ChatCompletionMessage)
	}
	if _, exists := p.turns[responseID]; !exists {
		p.order = append(p.order, responseID)
	}
	p.turns[responseID] = msgs
	for len(p.order) > maxConversations {
		delete(p.turns, p.order[0])
		p.order = p.order[1:]
	}
}

func (p *OpenAIProducer) Stream(ctx context.Context, req ProducerRequest, onDelta func(string)) (*ProducerResult, error) {
	key := req.APIKey
	if key == "" {
		key = p.DefaultAPIKey
	}
	baseURL := strings.TrimRight(req.BackendURL, "/")
	if baseURL == "" {
		baseURL = strings.TrimRight(p.DefaultBackendURL, "/")
	}
	if key == "" {
		return nil, ErrAuthRequired
	}

	cfg := openai.DefaultConfig(key)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	client := openai.NewClientWithConfig(cfg)

	var messages []openai.ChatCompletionMessage
	if prior := p.history(req.PreviousResponseID); prior != nil {
		messages = append(messages, prior...)
	} else if req.Instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instructions,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Input,
	})

	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	res := &ProducerResult{}
	var reply strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("recv stream: %w", err)
		}
		if resp.ID != "" {
			res.ResponseID = resp.ID
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				reply.WriteString(choice.Delta.Content)
				onDelta(choice.Delta.Content)
			}
		}
		if resp.Usage != nil {
			res.Usage = &envelope.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
	}

	p.remember(res.ResponseID, append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: reply.String(),
	}))
	return res, nil
}
