package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAlreadyJoined is returned when a session joins a second time.
	ErrAlreadyJoined = errors.New("session already joined a room")
	// ErrRegistryClosed is returned after Close.
	ErrRegistryClosed = errors.New("registry closed")
	// ErrNoRoom is returned when broadcasting to a project with no live room.
	ErrNoRoom = errors.New("no live room for project")
)

// Persister receives every sequenced message. Implementations must not
// block; the room calls it from its own goroutine.
type Persister interface {
	PersistMessage(ctx context.Context, m *Message)
}

// HistorySource seeds a new room with the last sequence number and the most
// recent messages (oldest first, at most limit).
type HistorySource interface {
	LoadRecent(ctx context.Context, projectID string, limit int) (lastSeq int64, recent []*Message, err error)
}

// RegistryConfig configures rooms.
type RegistryConfig struct {
	RingCapacity  int
	TeardownGrace time.Duration
	History       HistorySource // optional
	Persister     Persister     // optional
}

// Registry owns the live rooms, keyed by project id.
type Registry struct {
	cfg        RegistryConfig
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*Room
	tails  map[string]roomTail
	closed bool
}

// roomTail is what a torn-down room leaves behind for its successor. The
// store may lag behind it while the write-behind queue is still flushing.
type roomTail struct {
	seq    int64
	recent []*Message
}

func NewRegistry(cfg RegistryConfig, d *Dispatcher, logger *slog.Logger) *Registry {
	if cfg.RingCapacity < 0 {
		cfg.RingCapacity = 0
	}
	if d == nil {
		d = NewDispatcher(nil, DispatchConfig{})
	}
	return &Registry{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger.With("component", "chat"),
		rooms:      make(map[string]*Room),
		tails:      make(map[string]roomTail),
	}
}

// Join adds s to its project's room, creating the room on first use. The
// joined acknowledgement and the ring replay are queued to s before any
// later broadcast.
func (g *Registry) Join(ctx context.Context, s *Session) (*Room, error) {
	if !s.joined.CompareAndSwap(false, true) {
		return nil, ErrAlreadyJoined
	}
	for {
		r, err := g.roomFor(s.ProjectID)
		if err != nil {
			s.joined.Store(false)
			return nil, err
		}
		err = r.join(ctx, s)
		if errors.Is(err, ErrRoomClosed) {
			// Lost a race with teardown; the dead room is already out of the map.
			continue
		}
		if err != nil {
			s.joined.Store(false)
			return nil, err
		}
		if s.Room() != r {
			// Evicted while the replay was queued.
			if reason := s.Err(); reason != nil {
				return nil, reason
			}
			return nil, ErrSlowConsumer
		}
		return r, nil
	}
}

func (g *Registry) roomFor(projectID string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrRegistryClosed
	}
	r, ok := g.rooms[projectID]
	if !ok {
		r = newRoom(g, projectID)
		g.rooms[projectID] = r
		g.logger.Debug("room created", "project_id", projectID)
	}
	return r, nil
}

func (g *Registry) tail(projectID string) roomTail {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tails[projectID]
}

func (g *Registry) lookup(projectID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[projectID]
}

// forget drops r from the map if it is still the registered room and keeps
// its sequence and ring for the next room of the same project. Called from
// the room goroutine before it closes done.
func (g *Registry) forget(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.seq > g.tails[r.projectID].seq {
		g.tails[r.projectID] = roomTail{seq: r.seq, recent: r.recent.items()}
	}
	if g.rooms[r.projectID] == r {
		delete(g.rooms, r.projectID)
	}
}

// Leave removes s from its room. It is idempotent and safe to call for a
// session that never finished joining.
func (g *Registry) Leave(s *Session) {
	if r := s.Room(); r != nil {
		r.leave(s)
	}
}

// Broadcast sequences and delivers a message in projectID's live room.
func (g *Registry) Broadcast(ctx context.Context, projectID string, draft Message) (*Message, error) {
	r := g.lookup(projectID)
	if r == nil {
		return nil, ErrNoRoom
	}
	m, err := r.broadcast(ctx, draft)
	if errors.Is(err, ErrRoomClosed) {
		return nil, ErrNoRoom
	}
	return m, err
}

// Stats reports on projectID's room. A project without a live room reports
// Active=false.
func (g *Registry) Stats(ctx context.Context, projectID string) (RoomStats, error) {
	idle := RoomStats{ProjectID: projectID, AIState: "idle"}
	r := g.lookup(projectID)
	if r == nil {
		return idle, nil
	}
	st, err := r.stats(ctx)
	if errors.Is(err, ErrRoomClosed) {
		return idle, nil
	}
	return st, err
}

// Rooms returns the number of live rooms.
func (g *Registry) Rooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Close shuts every room down and refuses further joins.
func (g *Registry) Close() {
	g.mu.Lock()
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	for _, r := range rooms {
		r.shutdown()
	}
	g.logger.Info("chat registry closed", "rooms", len(rooms))
}
