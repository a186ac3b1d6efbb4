// Package presence is the authoritative room -> participants store.
package presence

import (
	"context"
	"hash/fnv"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/metrics"
)

// Notifier receives every membership change. It is called with the room
// locked, so calls for one room arrive in mutation order; it must not block
// or call back into the registry.
type Notifier interface {
	MembershipChanged(room domain.RoomID, recipients []domain.ParticipantID, members []domain.Participant)
}

type member struct {
	p   domain.Participant
	seq uint64
}

type room struct {
	mu       sync.Mutex
	id       domain.RoomID
	topology domain.Topology
	members  map[domain.ParticipantID]*member
	seq      uint64
	closed   bool
}

const joinStripes = 64

type Registry struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]*room
	where map[domain.ParticipantID]domain.RoomID

	// joins of one participant are serialized so single-room membership holds
	joinLocks [joinStripes]sync.Mutex

	moderation   core.Moderation
	notifier     Notifier
	maxGroupSize int
}

func NewRegistry(moderation core.Moderation, notifier Notifier, maxGroupSize int) *Registry {
	return &Registry{
		rooms:        make(map[domain.RoomID]*room),
		where:        make(map[domain.ParticipantID]domain.RoomID),
		moderation:   moderation,
		notifier:     notifier,
		maxGroupSize: maxGroupSize,
	}
}

func (r *Registry) joinLock(id domain.ParticipantID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.joinLocks[h.Sum32()%joinStripes]
}

// Join adds p to roomID and broadcasts the new member list to every member,
// p included. Re-joining replaces the stale entry. Joining while in another
// room leaves that room first.
func (r *Registry) Join(ctx context.Context, roomID domain.RoomID, topology domain.Topology, p domain.Participant) ([]domain.Participant, error) {
	logger := log.With().
		Str("module", "presence").
		Str("room", string(roomID)).
		Str("participant", string(p.ID)).
		Logger()

	if r.moderation != nil {
		status, err := r.moderation.Status(ctx, roomID, p.ID)
		if err != nil {
			metrics.Joins.WithLabelValues(string(domain.CodeInternal)).Inc()
			return nil, domain.NewError(domain.CodeInternal, "moderation lookup failed").Wrap(err)
		}
		if status.Denied() {
			logger.Info().Bool("banned", status.Banned).Bool("publish_muted", status.PublishMuted).Msg("join denied by moderation")
			metrics.Joins.WithLabelValues(string(domain.CodeModerationDenied)).Inc()
			return nil, domain.ErrModerationDenied
		}
	}

	jl := r.joinLock(p.ID)
	jl.Lock()
	defer jl.Unlock()

	if prev, ok := r.RoomOf(p.ID); ok && prev != roomID {
		logger.Info().Str("prev_room", string(prev)).Msg("implicit leave of previous room")
		r.Leave(prev, p.ID)
	}

	rm := r.lockRoom(roomID, topology)
	defer rm.mu.Unlock()

	if topology != "" && topology != rm.topology {
		metrics.Joins.WithLabelValues(string(domain.CodeBadRequest)).Inc()
		r.dropIfEmptyLocked(rm)
		return nil, domain.NewError(domain.CodeBadRequest, "room topology is "+string(rm.topology))
	}

	existing, rejoin := rm.members[p.ID]
	if !rejoin && len(rm.members) >= r.capacity(rm.topology) {
		logger.Info().Int("members", len(rm.members)).Msg("room full")
		metrics.Joins.WithLabelValues(string(domain.CodeRoomFull)).Inc()
		return nil, domain.ErrRoomFull
	}
	if rejoin {
		existing.p = p
	} else {
		rm.seq++
		rm.members[p.ID] = &member{p: p, seq: rm.seq}
	}

	r.mu.Lock()
	r.where[p.ID] = roomID
	r.mu.Unlock()

	snapshot := rm.snapshotLocked()
	r.broadcastLocked(rm, snapshot)
	metrics.Joins.WithLabelValues("ok").Inc()
	logger.Info().Bool("rejoin", rejoin).Int("members", len(snapshot)).Msg("joined")
	return snapshot, nil
}

// Leave removes id from roomID. It reports false, and does nothing, when id
// was not there. The last leave destroys the room.
func (r *Registry) Leave(roomID domain.RoomID, id domain.ParticipantID) bool {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.members[id]; !ok {
		return false
	}
	delete(rm.members, id)

	r.mu.Lock()
	if r.where[id] == roomID {
		delete(r.where, id)
	}
	r.mu.Unlock()

	log.Info().
		Str("module", "presence").
		Str("room", string(roomID)).
		Str("participant", string(id)).
		Int("members", len(rm.members)).
		Msg("left")

	if r.dropIfEmptyLocked(rm) {
		return true
	}
	r.broadcastLocked(rm, rm.snapshotLocked())
	return true
}

// SetTracks records what id currently publishes and rebroadcasts its room.
func (r *Registry) SetTracks(id domain.ParticipantID, tracks []domain.TrackKind) {
	roomID, ok := r.RoomOf(id)
	if !ok {
		return
	}
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	m, ok := rm.members[id]
	if !ok || slices.Equal(m.p.Tracks, tracks) {
		return
	}
	m.p.Tracks = slices.Clone(tracks)
	r.broadcastLocked(rm, rm.snapshotLocked())
}

// Snapshot returns the members of roomID in join order.
func (r *Registry) Snapshot(roomID domain.RoomID) []domain.Participant {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.snapshotLocked()
}

func (r *Registry) Member(roomID domain.RoomID, id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return domain.Participant{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	m, ok := rm.members[id]
	if !ok {
		return domain.Participant{}, false
	}
	return m.p, true
}

func (r *Registry) RoomOf(id domain.ParticipantID) (domain.RoomID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.where[id]
	return roomID, ok
}

func (r *Registry) Topology(roomID domain.RoomID) (domain.Topology, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	return rm.topology, true
}

// Rooms lists non-empty rooms ordered by id.
func (r *Registry) Rooms() []domain.RoomInfo {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.closed {
			out = append(out, domain.RoomInfo{ID: rm.id, Topology: rm.topology, MemberCount: len(rm.members)})
		}
		rm.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b domain.RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (r *Registry) capacity(t domain.Topology) int {
	if t == domain.TopologyDirect {
		return domain.DirectRoomSize
	}
	if r.maxGroupSize <= 0 {
		return int(^uint(0) >> 1)
	}
	return r.maxGroupSize
}

// lockRoom returns the live room locked, creating it when missing. A room
// closed between lookup and lock is replaced.
func (r *Registry) lockRoom(roomID domain.RoomID, topology domain.Topology) *room {
	if topology == "" {
		topology = domain.TopologyGroup
	}
	for {
		r.mu.Lock()
		rm, ok := r.rooms[roomID]
		if !ok {
			rm = &room{id: roomID, topology: topology, members: make(map[domain.ParticipantID]*member)}
			r.rooms[roomID] = rm
			metrics.Rooms.Inc()
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.closed {
			return rm
		}
		rm.mu.Unlock()
	}
}

func (r *Registry) dropIfEmptyLocked(rm *room) bool {
	if len(rm.members) > 0 {
		return false
	}
	rm.closed = true
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
		metrics.Rooms.Dec()
	}
	r.mu.Unlock()
	log.Debug().Str("module", "presence").Str("room", string(rm.id)).Msg("room destroyed")
	return true
}

func (r *Registry) broadcastLocked(rm *room, snapshot []domain.Participant) {
	if r.notifier == nil {
		return
	}
	recipients := make([]domain.ParticipantID, len(snapshot))
	for i, p := range snapshot {
		recipients[i] = p.ID
	}
	r.notifier.MembershipChanged(rm.id, recipients, snapshot)
}

func (rm *room) snapshotLocked() []domain.Participant {
	members := make([]*member, 0, len(rm.members))
	for _, m := range rm.members {
		members = append(members, m)
	}
	slices.SortFunc(members, func(a, b *member) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]domain.Participant, len(members))
	for i, m := range members {
		out[i] = m.p
		out[i].Tracks = slices.Clone(m.p.Tracks)
	}
	return out
}
