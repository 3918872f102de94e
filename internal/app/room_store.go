package app

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/agentvoice/internal/core"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomEntry owns one room's participant set. Its mutex serializes every
// mutation of that room; lock order is always entry.mu before store.mu.
type roomEntry struct {
	mu           sync.Mutex
	room         domain.Room
	participants map[domain.ConnectionID]*domain.Participant
	emptySince   time.Time
	deleted      bool
}

// RoomStore is a threadsafe in-memory core.RoomStore.
type RoomStore struct {
	mu         sync.RWMutex
	rooms      map[domain.RoomID]*roomEntry
	connRoom   map[domain.ConnectionID]domain.RoomID
	connPart   map[domain.ConnectionID]*domain.Participant
	tombstones map[domain.RoomID]time.Time
	// departed holds participants that have left; a late or repeated join
	// announcement for them is ignored.
	departed map[domain.ParticipantID]time.Time

	defaultCapacity int
	idleGrace       time.Duration
	now             func() time.Time
}

type StoreOption func(*RoomStore)

func WithDefaultCapacity(n int) StoreOption {
	return func(s *RoomStore) {
		if n > 0 {
			s.defaultCapacity = n
		}
	}
}

func WithIdleGrace(d time.Duration) StoreOption {
	return func(s *RoomStore) { s.idleGrace = d }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *RoomStore) { s.now = now }
}

func NewRoomStore(opts ...StoreOption) *RoomStore {
	s := &RoomStore{
		rooms:           make(map[domain.RoomID]*roomEntry),
		connRoom:        make(map[domain.ConnectionID]domain.RoomID),
		connPart:        make(map[domain.ConnectionID]*domain.Participant),
		tombstones:      make(map[domain.RoomID]time.Time),
		departed:        make(map[domain.ParticipantID]time.Time),
		defaultCapacity: domain.DefaultMaxParticipants,
		idleGrace:       5 * time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ core.RoomStore = (*RoomStore)(nil)

func (s *RoomStore) entry(id domain.RoomID) (*roomEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rooms[id]
	return e, ok
}

func (s *RoomStore) CreateRoom(name domain.RoomName, kind domain.RoomKind, creator domain.AgentID, settings map[string]any) domain.Room {
	now := s.now()
	room := domain.NewRoom(name, kind, creator, settings, now)
	room.MaxParticipants = s.defaultCapacity
	e := &roomEntry{
		room:         room.Clone(),
		participants: make(map[domain.ConnectionID]*domain.Participant),
		emptySince:   now,
	}

	s.mu.Lock()
	s.rooms[room.ID] = e
	s.mu.Unlock()

	log.Info().Str("module", "app.rooms").Str("room", string(room.ID)).Str("name", string(name)).Str("creator", string(creator)).Msg("room created")
	return room.Clone()
}

func (s *RoomStore) GetRoom(id domain.RoomID) (domain.Room, bool) {
	e, ok := s.entry(id)
	if !ok {
		return domain.Room{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return domain.Room{}, false
	}
	return e.room.Clone(), true
}

func (s *RoomStore) ListRooms() []core.RoomInfo {
	s.mu.RLock()
	entries := make([]*roomEntry, 0, len(s.rooms))
	for _, e := range s.rooms {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]core.RoomInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, core.RoomInfo{Room: e.room.Clone(), ParticipantCount: len(e.participants)})
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *RoomStore) UpdateRoom(id domain.RoomID, patch core.RoomPatch) (domain.Room, error) {
	e, ok := s.entry(id)
	if !ok {
		return domain.Room{}, core.ErrRoomNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return domain.Room{}, core.ErrRoomNotFound
	}
	if patch.MaxParticipants != nil {
		if *patch.MaxParticipants <= 0 {
			return domain.Room{}, domain.ErrBadCapacity
		}
		if *patch.MaxParticipants < len(e.participants) {
			return domain.Room{}, core.ErrCapacityTooLow
		}
		e.room.MaxParticipants = *patch.MaxParticipants
	}
	if patch.Name != nil {
		e.room.Name = *patch.Name
	}
	if patch.Settings != nil {
		for k, v := range patch.Settings {
			if v == nil {
				delete(e.room.Settings, k)
				continue
			}
			e.room.Settings[k] = v
		}
	}
	return e.room.Clone(), nil
}

func (s *RoomStore) DeleteRoom(id domain.RoomID) bool {
	e, ok := s.entry(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return false
	}
	s.dropLocked(id, e)
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room deleted")
	return true
}

// dropLocked clears participants and their indices before releasing the id.
// Caller holds e.mu.
func (s *RoomStore) dropLocked(id domain.RoomID, e *roomEntry) {
	now := s.now()
	e.deleted = true
	s.mu.Lock()
	for conn, p := range e.participants {
		p.LeftAt = &now
		delete(s.connRoom, conn)
		delete(s.connPart, conn)
		s.departed[p.ID] = now
	}
	delete(s.rooms, id)
	s.tombstones[id] = now
	s.mu.Unlock()
	clear(e.participants)
}

// AddParticipant checks capacity and inserts under the room lock, so two
// concurrent joins can never both pass the limit.
func (s *RoomStore) AddParticipant(roomID domain.RoomID, agent domain.AgentID, conn domain.ConnectionID, opts ...core.JoinOption) (domain.Participant, error) {
	e, ok := s.entry(roomID)
	if !ok {
		return domain.Participant{}, core.ErrRoomNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return domain.Participant{}, core.ErrRoomNotFound
	}
	if len(e.participants) >= e.room.MaxParticipants {
		return domain.Participant{}, core.ErrRoomFull
	}

	role := domain.RoleParticipant
	if agent == e.room.CreatedBy {
		role = domain.RoleOwner
	}
	p := domain.NewParticipant(roomID, agent, conn, role, s.now())
	for _, opt := range opts {
		opt(p)
	}

	s.mu.Lock()
	if _, taken := s.connRoom[conn]; taken {
		s.mu.Unlock()
		return domain.Participant{}, core.ErrAlreadyJoined
	}
	s.connRoom[conn] = roomID
	s.connPart[conn] = p
	e.participants[conn] = p
	s.mu.Unlock()

	e.emptySince = time.Time{}
	log.Info().Str("module", "app.rooms").Str("room", string(roomID)).Str("conn", string(conn)).Str("agent", string(agent)).Int("count", len(e.participants)).Msg("participant added")
	return p.Clone(), nil
}

func (s *RoomStore) RemoveParticipant(conn domain.ConnectionID) (domain.Participant, bool) {
	return s.removeParticipant(conn, "")
}

// removeParticipant removes conn's participant; a non-empty want restricts it
// to that participant id.
func (s *RoomStore) removeParticipant(conn domain.ConnectionID, want domain.ParticipantID) (domain.Participant, bool) {
	s.mu.RLock()
	roomID, ok := s.connRoom[conn]
	e := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok || e == nil {
		return domain.Participant{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.participants[conn]
	if !ok || (want != "" && p.ID != want) {
		return domain.Participant{}, false
	}
	now := s.now()
	p.LeftAt = &now

	s.mu.Lock()
	delete(s.connRoom, conn)
	delete(s.connPart, conn)
	delete(e.participants, conn)
	s.departed[p.ID] = now
	s.mu.Unlock()

	if len(e.participants) == 0 {
		e.emptySince = now
	}
	log.Info().Str("module", "app.rooms").Str("room", string(roomID)).Str("conn", string(conn)).Int("count", len(e.participants)).Msg("participant removed")
	return p.Clone(), true
}

// RemoveParticipantByID removes a participant addressed by its own id.
func (s *RoomStore) RemoveParticipantByID(roomID domain.RoomID, pid domain.ParticipantID) (domain.Participant, bool) {
	for _, p := range s.ParticipantsByRoom(roomID) {
		if p.ID == pid {
			return s.RemoveParticipant(p.ConnectionID)
		}
	}
	return domain.Participant{}, false
}

func (s *RoomStore) ParticipantsByRoom(roomID domain.RoomID) []domain.Participant {
	e, ok := s.entry(roomID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Participant, 0, len(e.participants))
	for _, p := range e.participants {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (s *RoomStore) IsRoomFull(roomID domain.RoomID) bool {
	e, ok := s.entry(roomID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.participants) >= e.room.MaxParticipants
}

func (s *RoomStore) RoomForConnection(conn domain.ConnectionID) (domain.RoomID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.connRoom[conn]
	return id, ok
}

func (s *RoomStore) ParticipantForConnection(conn domain.ConnectionID) (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.connPart[conn]
	if !ok {
		return domain.Participant{}, false
	}
	return p.Clone(), true
}

// ApplyRoom inserts or refreshes a room announced by a sibling instance.
// Rooms already deleted remotely stay deleted.
func (s *RoomStore) ApplyRoom(room domain.Room) bool {
	s.mu.Lock()
	if _, dead := s.tombstones[room.ID]; dead {
		s.mu.Unlock()
		return false
	}
	e, ok := s.rooms[room.ID]
	if !ok {
		s.rooms[room.ID] = &roomEntry{
			room:         room.Clone(),
			participants: make(map[domain.ConnectionID]*domain.Participant),
			emptySince:   s.now(),
		}
		s.mu.Unlock()
		log.Debug().Str("module", "app.rooms").Str("room", string(room.ID)).Msg("applied remote room")
		return true
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return false
	}
	if room.MaxParticipants < len(e.participants) {
		room.MaxParticipants = len(e.participants)
	}
	e.room = room.Clone()
	return true
}

func (s *RoomStore) ApplyRoomDeleted(id domain.RoomID) bool {
	s.mu.Lock()
	s.tombstones[id] = s.now()
	s.mu.Unlock()
	return s.DeleteRoom(id)
}

// ApplyParticipant mirrors a remote join. A connection holds one seat, so a
// newer participation for a connection already seated replaces the old one.
func (s *RoomStore) ApplyParticipant(p domain.Participant) bool {
	if s.hasDeparted(p.ID) {
		log.Debug().Str("module", "app.rooms").Str("participant", string(p.ID)).Msg("join for departed participant dropped")
		return false
	}
	if cur, ok := s.ParticipantForConnection(p.ConnectionID); ok {
		if cur.ID == p.ID {
			return false
		}
		s.ApplyParticipantLeft(cur)
	}

	e, ok := s.entry(p.RoomID)
	if !ok {
		log.Debug().Str("module", "app.rooms").Str("room", string(p.RoomID)).Msg("remote participant for unknown room dropped")
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return false
	}
	if len(e.participants) >= e.room.MaxParticipants {
		log.Warn().Str("module", "app.rooms").Str("room", string(p.RoomID)).Str("conn", string(p.ConnectionID)).Msg("remote participant over capacity dropped")
		return false
	}
	cp := p.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.departed[p.ID]; gone {
		return false
	}
	if _, taken := s.connRoom[p.ConnectionID]; taken {
		return false
	}
	s.connRoom[p.ConnectionID] = p.RoomID
	s.connPart[p.ConnectionID] = &cp
	e.participants[p.ConnectionID] = &cp
	e.emptySince = time.Time{}
	return true
}

// ApplyParticipantLeft mirrors a remote leave. The participant is marked
// departed even when it is unknown here, so a join delivered after its leave
// is not resurrected. A stale leave never removes a newer participation of
// the same connection.
func (s *RoomStore) ApplyParticipantLeft(p domain.Participant) (domain.Participant, bool) {
	s.mu.Lock()
	if _, ok := s.departed[p.ID]; !ok {
		s.departed[p.ID] = s.now()
	}
	cur, ok := s.connPart[p.ConnectionID]
	match := ok && cur.ID == p.ID
	s.mu.Unlock()
	if !match {
		return domain.Participant{}, false
	}
	return s.removeParticipant(p.ConnectionID, p.ID)
}

func (s *RoomStore) hasDeparted(id domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.departed[id]
	return ok
}

// Sweep removes rooms that have been empty for longer than the idle grace
// period and forgets old tombstones.
func (s *RoomStore) Sweep(now time.Time) []domain.RoomID {
	if s.idleGrace <= 0 {
		return nil
	}
	s.mu.Lock()
	ids := make([]domain.RoomID, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	for id, at := range s.tombstones {
		if now.Sub(at) > s.idleGrace {
			delete(s.tombstones, id)
		}
	}
	for id, at := range s.departed {
		if now.Sub(at) > s.idleGrace {
			delete(s.departed, id)
		}
	}
	s.mu.Unlock()

	var removed []domain.RoomID
	for _, id := range ids {
		e, ok := s.entry(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		if !e.deleted && len(e.participants) == 0 && !e.emptySince.IsZero() && now.Sub(e.emptySince) > s.idleGrace {
			s.dropLocked(id, e)
			removed = append(removed, id)
		}
		e.mu.Unlock()
	}
	if len(removed) > 0 {
		log.Info().Str("module", "app.rooms").Int("removed", len(removed)).Msg("idle rooms swept")
	}
	return removed
}
