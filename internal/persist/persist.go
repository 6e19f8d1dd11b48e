// Package persist writes room messages to the store behind the live path and
// seeds new rooms from stored history.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/amurg-ai/huddle/internal/chat"
	"github.com/amurg-ai/huddle/internal/metrics"
	"github.com/amurg-ai/huddle/internal/store"
	"github.com/amurg-ai/huddle/pkg/protocol"
)

const (
	defaultQueueSize = 1024
	saveTimeout      = 5 * time.Second
	drainTimeout     = 10 * time.Second
)

// Writer is a write-behind chat.Persister. Rooms hand it messages without
// blocking; a single worker saves them in order. When the queue is full the
// message is dropped and counted.
type Writer struct {
	store  store.Store
	queue  chan *chat.Message
	logger *slog.Logger
}

func NewWriter(s store.Store, queueSize int, logger *slog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Writer{
		store:  s,
		queue:  make(chan *chat.Message, queueSize),
		logger: logger.With("component", "persist"),
	}
}

// PersistMessage queues m for saving. It never blocks.
func (w *Writer) PersistMessage(_ context.Context, m *chat.Message) {
	select {
	case w.queue <- m:
	default:
		metrics.PersistDropped.Inc()
		w.logger.Warn("persist queue full, dropping message",
			"project_id", m.ProjectID, "seq", m.Seq)
	}
}

// Pending returns the number of queued messages.
func (w *Writer) Pending() int { return len(w.queue) }

// Run saves queued messages until ctx is cancelled, then drains what is
// already queued before returning. Saves never inherit ctx's cancellation:
// a message picked up after shutdown began must still land.
func (w *Writer) Run(ctx context.Context) error {
	saveCtx := context.WithoutCancel(ctx)
	for {
		select {
		case m := <-w.queue:
			w.save(saveCtx, m)
		case <-ctx.Done():
			w.drain()
			return nil
		}
	}
}

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	n := 0
	for {
		select {
		case m := <-w.queue:
			w.save(ctx, m)
			n++
		default:
			if n > 0 {
				w.logger.Info("persist queue drained", "messages", n)
			}
			return
		}
	}
}

func (w *Writer) save(ctx context.Context, m *chat.Message) {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()
	sm, err := ToStore(m)
	if err == nil {
		err = w.store.SaveMessage(ctx, sm)
	}
	if err != nil {
		metrics.PersistErrors.Inc()
		w.logger.Warn("persist message failed",
			"project_id", m.ProjectID, "seq", m.Seq, "error", err)
	}
}

// History loads a room's last sequence number and recent ring from the store.
type History struct {
	store store.Store
}

func NewHistory(s store.Store) *History {
	return &History{store: s}
}

// LoadRecent implements chat.HistorySource.
func (h *History) LoadRecent(ctx context.Context, projectID string, limit int) (int64, []*chat.Message, error) {
	last, err := h.store.LastSeq(ctx, projectID)
	if err != nil {
		return 0, nil, fmt.Errorf("last seq: %w", err)
	}
	if limit <= 0 || last == 0 {
		return last, nil, nil
	}
	stored, err := h.store.RecentMessages(ctx, projectID, limit)
	if err != nil {
		return 0, nil, fmt.Errorf("recent messages: %w", err)
	}
	recent := make([]*chat.Message, 0, len(stored))
	for i := range stored {
		m, err := FromStore(&stored[i])
		if err != nil {
			return 0, nil, err
		}
		recent = append(recent, m)
	}
	return last, recent, nil
}

// ToStore converts a room message to its stored form.
func ToStore(m *chat.Message) (*store.Message, error) {
	sm := &store.Message{
		ID:          m.ID,
		ProjectID:   m.ProjectID,
		Seq:         m.Seq,
		Kind:        m.Kind.String(),
		SenderID:    m.Sender.ID,
		SenderLabel: m.Sender.Label,
		Body:        m.Body,
		RequestID:   m.RequestID,
		CreatedAt:   m.Timestamp,
	}
	if m.PromptRef != nil {
		raw, err := json.Marshal(protocol.PromptRef{
			MessageID:   m.PromptRef.MessageID,
			Seq:         m.PromptRef.Seq,
			Prompt:      m.PromptRef.Prompt,
			RequesterID: m.PromptRef.RequesterID,
		})
		if err != nil {
			return nil, fmt.Errorf("encode prompt ref: %w", err)
		}
		sm.PromptRef = raw
	}
	return sm, nil
}

// FromStore converts a stored message back to a room message.
func FromStore(sm *store.Message) (*chat.Message, error) {
	kind, err := chat.ParseKind(sm.Kind)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", sm.ID, err)
	}
	m := &chat.Message{
		ID:        sm.ID,
		ProjectID: sm.ProjectID,
		Seq:       sm.Seq,
		Kind:      kind,
		Sender:    chat.Sender{ID: sm.SenderID, Label: sm.SenderLabel},
		Body:      sm.Body,
		Timestamp: sm.CreatedAt.UTC(),
		RequestID: sm.RequestID,
	}
	if len(sm.PromptRef) > 0 {
		var ref protocol.PromptRef
		if err := json.Unmarshal(sm.PromptRef, &ref); err != nil {
			return nil, fmt.Errorf("message %s: decode prompt ref: %w", sm.ID, err)
		}
		m.PromptRef = &chat.PromptRef{
			MessageID:   ref.MessageID,
			Seq:         ref.Seq,
			Prompt:      ref.Prompt,
			RequesterID: ref.RequesterID,
		}
	}
	return m, nil
}
