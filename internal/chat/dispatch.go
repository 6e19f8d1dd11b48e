package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/amurg-ai/huddle/internal/ai"
)

// AIStatus is the lifecycle state of an AIRequest.
type AIStatus int

const (
	AIPending AIStatus = iota
	AICompleted
	AIFailed
	AITimedOut
)

func (s AIStatus) String() string {
	switch s {
	case AIPending:
		return "pending"
	case AICompleted:
		return "completed"
	case AIFailed:
		return "failed"
	case AITimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// AIRequest is the single in-flight AI call a room may have.
type AIRequest struct {
	ID          string
	ProjectID   string
	SessionID   string
	RequesterID string
	Prompt      string
	Origin      *Message
	Status      AIStatus
	StartedAt   time.Time

	cancel context.CancelFunc
}

// aiOutcome is what the provider goroutine hands back to the room.
type aiOutcome struct {
	status AIStatus
	text   string
	err    error
}

// DispatchConfig tunes AI dispatch.
type DispatchConfig struct {
	Trigger    string        // prefix that addresses the AI, default "@ai"
	Timeout    time.Duration // per request, default 30s
	BusyNotice bool          // tell a rejected requester the AI is busy
}

// Dispatcher recognizes AI-directed messages and runs provider calls.
// Slot bookkeeping lives in the Room; the Dispatcher holds no room state.
type Dispatcher struct {
	provider ai.Provider
	trigger  string
	timeout  time.Duration
	busy     bool
}

func NewDispatcher(provider ai.Provider, cfg DispatchConfig) *Dispatcher {
	if provider == nil {
		provider = ai.Disabled()
	}
	if cfg.Trigger == "" {
		cfg.Trigger = "@ai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{provider: provider, trigger: cfg.Trigger, timeout: cfg.Timeout, busy: cfg.BusyNotice}
}

// Timeout is the per-request bound.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// ParseTrigger reports whether body addresses the AI and returns the prompt.
// The prefix matches case-insensitively and must be followed by whitespace
// or the end of the body. An empty prompt is not a trigger.
func (d *Dispatcher) ParseTrigger(body string) (string, bool) {
	body = strings.TrimSpace(body)
	if len(body) < len(d.trigger) || !strings.EqualFold(body[:len(d.trigger)], d.trigger) {
		return "", false
	}
	rest := body[len(d.trigger):]
	if rest != "" {
		r, _ := utf8.DecodeRuneInString(rest)
		if !unicode.IsSpace(r) {
			return "", false
		}
	}
	prompt := strings.TrimSpace(rest)
	if prompt == "" {
		return "", false
	}
	return prompt, true
}

// complete runs one provider call bounded by ctx. The provider runs in its
// own goroutine so a provider that ignores ctx cannot hold the outcome past
// the deadline.
func (d *Dispatcher) complete(ctx context.Context, prompt string) aiOutcome {
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := d.provider.CompleteText(ctx, prompt)
		ch <- result{text, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return aiOutcome{status: AITimedOut, err: ctx.Err()}
			}
			return aiOutcome{status: AIFailed, err: res.err}
		}
		text, err := ai.Sanitize(res.text)
		if err != nil {
			return aiOutcome{status: AIFailed, err: err}
		}
		return aiOutcome{status: AICompleted, text: text}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return aiOutcome{status: AITimedOut, err: ctx.Err()}
		}
		return aiOutcome{status: AIFailed, err: ctx.Err()}
	}
}

// replyBody renders the chat text for a terminal outcome.
func (d *Dispatcher) replyBody(o aiOutcome) (Kind, string) {
	switch o.status {
	case AICompleted:
		return KindAISuccess, o.text
	case AITimedOut:
		return KindAIFailure, fmt.Sprintf("AI did not respond within %s", d.timeout)
	default:
		return KindAIFailure, fmt.Sprintf("AI request failed: %v", o.err)
	}
}
