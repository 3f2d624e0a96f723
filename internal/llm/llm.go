package llm

import (
	"context"
	"errors"
	"time"

	"github.com/support-agent/backend/pkg/circuitbreaker"
	"github.com/support-agent/backend/pkg/logger"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse is returned when a model answers without any text.
var ErrEmptyResponse = errors.New("model returned no content")

type Message struct {
	Role    string
	Content string
}

// ChatRequest is one model call. ImageURL, when set, is attached to the last
// user message.
type ChatRequest struct {
	Messages    []Message
	ImageURL    string
	Temperature float32
	MaxTokens   int
}

// ChatModel is a chat-completion capable model. Implementations make exactly
// one upstream call per Chat.
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
}

type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	// TrustedImageHosts may be fetched even when they resolve to private
	// addresses, e.g. the object store endpoint.
	TrustedImageHosts []string
	// OnStateChange is forwarded to the client's circuit breaker.
	OnStateChange func(name string, from, to circuitbreaker.State)
}

func (o Options) temperature(req ChatRequest) float32 {
	if req.Temperature != 0 {
		return req.Temperature
	}
	return o.Temperature
}

func (o Options) maxTokens(req ChatRequest) int {
	if req.MaxTokens != 0 {
		return req.MaxTokens
	}
	return o.MaxTokens
}

func (o Options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.Timeout)
}

func newBreaker(name string, opts Options) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(name, circuitbreaker.Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    opts.OnStateChange,
		Logger:           logger.GetLogger(),
	})
}

// lastUserIndex returns the index of the last user message, or -1.
func lastUserIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}
