package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/amurg-ai/huddle/internal/metrics"
	"github.com/amurg-ai/huddle/pkg/protocol"
)

var (
	// ErrRoomClosed is returned for operations on a room that has shut down.
	ErrRoomClosed = errors.New("room closed")
	// ErrNotMember is returned when a session submits to a room it is not in.
	ErrNotMember = errors.New("session is not a room member")
)

const (
	opsBuffer         = 64
	clientIDRetention = 256
	seedTimeout       = 5 * time.Second
)

// RoomStats is a snapshot of a room for introspection.
type RoomStats struct {
	ProjectID   string `json:"project_id"`
	Active      bool   `json:"active"`
	Members     int    `json:"members"`
	LastSeq     int64  `json:"last_seq"`
	AIState     string `json:"ai_state"` // "idle" or "pending"
	AIRequestID string `json:"ai_request_id,omitempty"`
}

// Room is the live chat for one project. A single goroutine owns all of its
// state; everything else talks to it through the ops mailbox.
type Room struct {
	projectID string
	reg       *Registry
	logger    *slog.Logger

	ops    chan func()
	ctx    context.Context // cancelled on teardown; parents AI calls
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the run goroutine.
	members     map[string]*Session
	seq         int64
	recent      *ring
	slot        *AIRequest
	clientIDs   map[string]*Message
	clientOrder []string
	timer       *time.Timer
	timerGen    uint64
	stopped     bool
}

func newRoom(reg *Registry, projectID string) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		projectID: projectID,
		reg:       reg,
		logger:    reg.logger.With("project_id", projectID),
		ops:       make(chan func(), opsBuffer),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		members:   make(map[string]*Session),
		recent:    newRing(reg.cfg.RingCapacity),
		clientIDs: make(map[string]*Message),
	}
	metrics.ActiveRooms.Inc()
	go r.run()
	return r
}

// ProjectID returns the project the room serves.
func (r *Room) ProjectID() string { return r.projectID }

// Done is closed when the room has shut down.
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) run() {
	defer r.finish()
	r.seed()
	for op := range r.ops {
		op()
		if r.stopped {
			return
		}
	}
}

// seed continues the sequence and ring from the previous room of this
// project or from stored history, whichever is further ahead, so numbering
// survives both teardown and restart. Ops queue up behind it.
func (r *Room) seed() {
	tail := r.reg.tail(r.projectID)
	if h := r.reg.cfg.History; h != nil {
		ctx, cancel := context.WithTimeout(r.ctx, seedTimeout)
		lastSeq, recent, err := h.LoadRecent(ctx, r.projectID, r.reg.cfg.RingCapacity)
		cancel()
		switch {
		case err != nil:
			r.logger.Warn("load room history failed", "error", err)
		case lastSeq >= tail.seq:
			tail = roomTail{seq: lastSeq, recent: recent}
		default:
			r.logger.Info("stored history behind last room, continuing from memory",
				"stored_seq", lastSeq, "last_seq", tail.seq)
		}
	}
	r.seq = tail.seq
	for _, m := range tail.recent {
		r.recent.push(m)
		if m.Seq > r.seq {
			r.seq = m.Seq
		}
	}
	r.logger.Debug("room seeded", "last_seq", r.seq, "buffered", r.recent.len())
}

func (r *Room) finish() {
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
	}
	for id, s := range r.members {
		delete(r.members, id)
		s.room.CompareAndSwap(r, nil)
		s.Close(ErrRoomClosed)
		metrics.ActiveSessions.Dec()
	}
	metrics.ActiveRooms.Dec()
	close(r.done)
	r.logger.Debug("room closed")
}

// post enqueues a fire-and-forget op. It is dropped if the room is gone.
func (r *Room) post(op func()) {
	select {
	case r.ops <- op:
	case <-r.done:
	}
}

// call runs op on the room goroutine and waits for it. Once the op is
// enqueued the wait is bounded because ops never block.
func (r *Room) call(ctx context.Context, op func()) error {
	reply := make(chan struct{})
	select {
	case r.ops <- func() { op(); close(reply) }:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-r.done:
		select {
		case <-reply:
			return nil
		default:
			return ErrRoomClosed
		}
	}
}

// --- Membership ---

func (r *Room) join(ctx context.Context, s *Session) error {
	return r.call(ctx, func() {
		r.timerGen++
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		r.members[s.ID] = s
		s.room.Store(r)
		metrics.ActiveSessions.Inc()

		joined := newEnvelope(protocol.TypeJoined, protocol.Joined{
			SessionID: s.ID,
			ProjectID: r.projectID,
			UserID:    s.UserID,
			Email:     s.Email,
			Members:   len(r.members),
			LastSeq:   r.seq,
		})
		if !s.Deliver(joined) {
			r.removeMember(s)
			return
		}
		for _, m := range r.recent.items() {
			if !s.Deliver(messageEnvelope(m, true)) {
				r.removeMember(s)
				return
			}
		}
		r.logger.Info("session joined", "session_id", s.ID, "user_id", s.UserID, "members", len(r.members))
	})
}

func (r *Room) leave(s *Session) {
	// Leave waits so callers observe teardown scheduling deterministically.
	_ = r.call(context.Background(), func() {
		if r.members[s.ID] == s {
			r.removeMember(s)
			r.logger.Info("session left", "session_id", s.ID, "members", len(r.members))
		}
	})
}

// removeMember drops s and, if the room is now empty, abandons any pending
// AI request and schedules teardown.
func (r *Room) removeMember(s *Session) {
	if _, ok := r.members[s.ID]; !ok {
		return
	}
	delete(r.members, s.ID)
	s.room.CompareAndSwap(r, nil)
	metrics.ActiveSessions.Dec()

	if len(r.members) > 0 {
		return
	}
	if r.slot != nil {
		r.logger.Info("abandoning AI request, room is empty", "request_id", r.slot.ID)
		r.slot.cancel()
		r.slot = nil
	}
	r.scheduleTeardown()
}

func (r *Room) scheduleTeardown() {
	grace := r.reg.cfg.TeardownGrace
	if grace <= 0 {
		r.teardown(r.timerGen)
		return
	}
	r.timerGen++
	gen := r.timerGen
	r.timer = time.AfterFunc(grace, func() {
		r.post(func() { r.teardown(gen) })
	})
}

func (r *Room) teardown(gen uint64) {
	if gen != r.timerGen || len(r.members) > 0 || r.stopped {
		return
	}
	r.reg.forget(r)
	r.stopped = true
}

// shutdown stops the room regardless of membership and waits for it.
func (r *Room) shutdown() {
	r.post(func() {
		r.reg.forget(r)
		r.stopped = true
	})
	<-r.done
}

// --- Broadcast ---

// deliverAll sends env to every member, evicting those that cannot keep up.
func (r *Room) deliverAll(env protocol.Envelope) {
	for _, s := range r.members {
		if !s.Deliver(env) {
			r.logger.Warn("evicting slow consumer", "session_id", s.ID, "error", s.Err())
			r.removeMember(s)
		}
	}
}

// publish sequences a draft, fans it out, buffers it for replay and hands
// it to the persister. Must run on the room goroutine.
func (r *Room) publish(draft Message) *Message {
	r.seq++
	m := draft
	m.ID = ulid.Make().String()
	m.ProjectID = r.projectID
	m.Seq = r.seq
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	msg := &m

	r.recent.push(msg)
	r.deliverAll(messageEnvelope(msg, false))
	metrics.MessagesBroadcast.WithLabelValues(msg.Kind.String()).Inc()
	if p := r.reg.cfg.Persister; p != nil {
		p.PersistMessage(r.ctx, msg)
	}
	return msg
}

func (r *Room) broadcast(ctx context.Context, draft Message) (*Message, error) {
	var out *Message
	err := r.call(ctx, func() { out = r.publish(draft) })
	return out, err
}

// submit sequences a human message from s and, when it addresses the AI,
// starts a request after the message is out.
func (r *Room) submit(ctx context.Context, s *Session, body, clientMessageID string) (*Message, error) {
	var (
		out    *Message
		opErr  error
		cidKey string
	)
	if clientMessageID != "" {
		cidKey = s.UserID + "/" + clientMessageID
	}
	err := r.call(ctx, func() {
		if r.members[s.ID] != s {
			opErr = ErrNotMember
			return
		}
		if cidKey != "" {
			if prev, ok := r.clientIDs[cidKey]; ok {
				out = prev
				return
			}
		}
		out = r.publish(Message{Kind: KindHuman, Sender: s.Sender(), Body: body})
		if cidKey != "" {
			r.rememberClientID(cidKey, out)
		}
		if prompt, ok := r.reg.dispatcher.ParseTrigger(body); ok {
			r.startAI(out, s, prompt)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

func (r *Room) rememberClientID(key string, m *Message) {
	r.clientIDs[key] = m
	r.clientOrder = append(r.clientOrder, key)
	if len(r.clientOrder) > clientIDRetention {
		delete(r.clientIDs, r.clientOrder[0])
		r.clientOrder = r.clientOrder[1:]
	}
}

// --- AI slot ---

func (r *Room) startAI(origin *Message, s *Session, prompt string) {
	d := r.reg.dispatcher
	if r.slot != nil {
		metrics.AITriggersRejected.Inc()
		r.logger.Info("AI busy, trigger rejected", "session_id", s.ID, "pending_request_id", r.slot.ID)
		if d.busy && !s.Deliver(NoticeEnvelope("ai_busy", "ai is busy answering another request")) {
			r.removeMember(s)
		}
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, d.timeout)
	req := &AIRequest{
		ID:          uuid.New().String(),
		ProjectID:   r.projectID,
		SessionID:   s.ID,
		RequesterID: s.UserID,
		Prompt:      prompt,
		Origin:      origin,
		Status:      AIPending,
		StartedAt:   time.Now(),
		cancel:      cancel,
	}
	r.slot = req
	r.sendPresence("responding", req.ID)
	r.logger.Info("AI request started", "request_id", req.ID, "session_id", s.ID)

	go func() {
		outcome := d.complete(ctx, prompt)
		r.post(func() { r.settleAI(req.ID, outcome) })
	}()
}

// settleAI applies a provider outcome if it still belongs to the pending
// request; late or orphaned outcomes are dropped.
func (r *Room) settleAI(requestID string, o aiOutcome) {
	req := r.slot
	if req == nil || req.ID != requestID {
		r.logger.Debug("discarding stale AI outcome", "request_id", requestID, "status", o.status.String())
		return
	}
	r.slot = nil
	req.cancel()
	req.Status = o.status

	elapsed := time.Since(req.StartedAt)
	metrics.AIRequests.WithLabelValues(o.status.String()).Inc()
	metrics.AILatency.Observe(elapsed.Seconds())

	kind, body := r.reg.dispatcher.replyBody(o)
	r.publish(Message{
		Kind:   kind,
		Sender: AISender,
		Body:   body,
		PromptRef: &PromptRef{
			MessageID:   req.Origin.ID,
			Seq:         req.Origin.Seq,
			Prompt:      req.Prompt,
			RequesterID: req.RequesterID,
		},
		RequestID: req.ID,
	})
	r.sendPresence("idle", req.ID)

	if o.err != nil {
		r.logger.Warn("AI request failed", "request_id", req.ID, "status", o.status.String(), "error", o.err)
	} else {
		r.logger.Info("AI request completed", "request_id", req.ID, "elapsed", elapsed)
	}
}

func (r *Room) sendPresence(state, requestID string) {
	r.deliverAll(newEnvelope(protocol.TypePresence, protocol.Presence{
		ProjectID:   r.projectID,
		Participant: AISender.ID,
		State:       state,
		RequestID:   requestID,
	}))
}

func (r *Room) stats(ctx context.Context) (RoomStats, error) {
	var st RoomStats
	err := r.call(ctx, func() {
		st = RoomStats{
			ProjectID: r.projectID,
			Active:    true,
			Members:   len(r.members),
			LastSeq:   r.seq,
			AIState:   "idle",
		}
		if r.slot != nil {
			st.AIState = "pending"
			st.AIRequestID = r.slot.ID
		}
	})
	return st, err
}
