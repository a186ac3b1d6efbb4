package call

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/metrics"
)

var (
	// ErrStale marks a message for a pair whose call already ended.
	ErrStale     = errors.New("call already ended")
	ErrNoSession = errors.New("no call between participants")
	ErrSelfCall  = errors.New("cannot call yourself")
)

type pairKey struct {
	lo, hi domain.ParticipantID
}

func keyOf(a, b domain.ParticipantID) pairKey {
	if a < b {
		return pairKey{lo: a, hi: b}
	}
	return pairKey{lo: b, hi: a}
}

type session struct {
	initiator domain.ParticipantID
	responder domain.ParticipantID
	kind      domain.MediaKind
	state     State
}

// Tracker is the server view of direct calls: it relays negotiation between
// two participants and enforces one active session per pair.
type Tracker struct {
	mu    sync.Mutex
	pairs map[pairKey]*session
	ended *lru.Cache[pairKey, struct{}]
}

func NewTracker(staleCacheSize int) *Tracker {
	if staleCacheSize <= 0 {
		staleCacheSize = 1024
	}
	ended, err := lru.New[pairKey, struct{}](staleCacheSize)
	if err != nil {
		panic(err)
	}
	return &Tracker{
		pairs: make(map[pairKey]*session),
		ended: ended,
	}
}

// Offer registers an offer from -> to. It reports false when the offer lost a
// glare tie-break and must be dropped: with both sides offering, the higher id
// stays initiator and the lower id becomes the answerer.
func (t *Tracker) Offer(from, to domain.ParticipantID, kind domain.MediaKind) (bool, error) {
	if from == to {
		return false, ErrSelfCall
	}
	logger := log.With().Str("module", "call.tracker").Str("from", string(from)).Str("to", string(to)).Logger()
	key := keyOf(from, to)

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.pairs[key]; ok && s.state.Active() {
		if s.state != StateOffering || s.initiator != to {
			metrics.Calls.WithLabelValues("rejected").Inc()
			return false, domain.ErrCallAlreadyActive
		}
		if from < to {
			logger.Info().Msg("glare: dropping offer from lower id")
			metrics.Calls.WithLabelValues("glare").Inc()
			return false, nil
		}
		logger.Info().Msg("glare: higher id takes over as initiator")
		metrics.Calls.WithLabelValues("glare").Inc()
		s.initiator, s.responder, s.kind = from, to, kind
		return true, nil
	}

	state, err := Transition(StateIdle, EventInitiate)
	if err != nil {
		return false, err
	}
	t.pairs[key] = &session{initiator: from, responder: to, kind: kind, state: state}
	t.ended.Remove(key)
	metrics.Calls.WithLabelValues("offered").Inc()
	logger.Debug().Str("kind", string(kind)).Msg("call offered")
	return true, nil
}

// Answer records the responder's answer and moves the pair to connected.
func (t *Tracker) Answer(from, to domain.ParticipantID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookupLocked(from, to)
	if err != nil {
		return err
	}
	if s.initiator != to {
		return ErrNoSession
	}
	next, err := Transition(s.state, EventRemoteAnswered)
	if err != nil {
		return err
	}
	s.state = next
	metrics.Calls.WithLabelValues("connected").Inc()
	return nil
}

// Candidate checks that an ICE candidate may be relayed between the pair.
func (t *Tracker) Candidate(from, to domain.ParticipantID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.lookupLocked(from, to)
	return err
}

// End finishes the pair's call. It reports whether a call existed, so a
// second end is a no-op.
func (t *Tracker) End(from, to domain.ParticipantID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endLocked(keyOf(from, to))
}

// EndAll ends every call involving id and returns the peers to notify.
func (t *Tracker) EndAll(id domain.ParticipantID) []domain.ParticipantID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var peers []domain.ParticipantID
	for key := range t.pairs {
		switch id {
		case key.lo:
			peers = append(peers, key.hi)
		case key.hi:
			peers = append(peers, key.lo)
		default:
			continue
		}
		t.endLocked(key)
	}
	return peers
}

// State returns the server-side state of the pair, StateIdle when unknown.
func (t *Tracker) State(a, b domain.ParticipantID) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := keyOf(a, b)
	if s, ok := t.pairs[key]; ok {
		return s.state
	}
	if t.ended.Contains(key) {
		return StateEnded
	}
	return StateIdle
}

func (t *Tracker) lookupLocked(a, b domain.ParticipantID) (*session, error) {
	key := keyOf(a, b)
	s, ok := t.pairs[key]
	if !ok {
		if t.ended.Contains(key) {
			return nil, ErrStale
		}
		return nil, ErrNoSession
	}
	return s, nil
}

func (t *Tracker) endLocked(key pairKey) bool {
	s, ok := t.pairs[key]
	if !ok {
		return false
	}
	s.state, _ = Transition(s.state, EventEnd)
	delete(t.pairs, key)
	t.ended.Add(key, struct{}{})
	metrics.Calls.WithLabelValues("ended").Inc()
	return true
}
