package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

type serverConn struct {
	t    *testing.T
	conn *websocket.Conn
	req  *http.Request
}

func (s *serverConn) read() (protocol.Envelope, bool) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, false
	}
	env, err := protocol.Decode(data)
	require.NoError(s.t, err)
	return env, true
}

func (s *serverConn) write(typ, id string, payload any) {
	frame, err := protocol.Encode(typ, "", id, payload)
	require.NoError(s.t, err)
	_ = s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *serverConn) writeError(id string, err error) {
	frame, encErr := protocol.EncodeError(id, err)
	require.NoError(s.t, encErr)
	_ = s.conn.WriteMessage(websocket.TextMessage, frame)
}

// dialScript serves one WebSocket connection with script and dials it.
func dialScript(t *testing.T, opts Options, script func(s *serverConn)) *Channel {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(&serverConn{t: t, conn: conn, req: r})
	}))
	t.Cleanup(srv.Close)

	opts.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	ch, err := Dial(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	return ch
}

func TestChannelRequestAndEvents(t *testing.T) {
	seen := make(chan *http.Request, 1)
	ch := dialScript(t, Options{Token: "tok-1", Credential: "secret"}, func(s *serverConn) {
		seen <- s.req
		for {
			env, ok := s.read()
			if !ok {
				return
			}
			if env.Type != protocol.TypeJoin {
				continue
			}
			// events before the response keep their order
			for _, name := range []string{"a", "b", "c"} {
				s.write(protocol.TypeMembershipUpdated, "", protocol.MembershipPayload{
					RoomID:       env.RoomID,
					Participants: []domain.Participant{{ID: domain.ParticipantID(name)}},
				})
			}
			s.write(protocol.TypeJoined, env.ID, protocol.MembershipPayload{
				RoomID:       env.RoomID,
				Participants: []domain.Participant{{ID: "tok-1"}},
			})
		}
	})
	require.Equal(t, domain.ParticipantID("tok-1"), ch.LocalID())

	req := <-seen
	cookie, err := req.Cookie("ct")
	require.NoError(t, err)
	require.Equal(t, "tok-1", cookie.Value)
	require.Equal(t, "secret", req.URL.Query().Get("credential"))

	var (
		mu    sync.Mutex
		order []domain.ParticipantID
	)
	ch.On(protocol.TypeMembershipUpdated, func(env protocol.Envelope) {
		var p protocol.MembershipPayload
		if json.Unmarshal(env.Payload, &p) != nil || len(p.Participants) == 0 {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		order = append(order, p.Participants[0].ID)
	})

	ch.SetRoom("r1")
	var joined protocol.MembershipPayload
	require.NoError(t, ch.Request(context.Background(), protocol.TypeJoin, protocol.JoinPayload{}, &joined))
	require.Equal(t, domain.RoomID("r1"), joined.RoomID)
	require.Len(t, joined.Participants, 1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, waitFor, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []domain.ParticipantID{"a", "b", "c"}, order)
	mu.Unlock()
}

func TestChannelErrorResponse(t *testing.T) {
	ch := dialScript(t, Options{}, func(s *serverConn) {
		for {
			env, ok := s.read()
			if !ok {
				return
			}
			s.writeError(env.ID, domain.ErrRoomFull)
		}
	})
	require.NotEmpty(t, ch.LocalID())

	err := ch.Request(context.Background(), protocol.TypeJoin, protocol.JoinPayload{}, nil)
	require.ErrorIs(t, err, domain.ErrRoomFull)
}

func TestChannelRequestTimeout(t *testing.T) {
	ch := dialScript(t, Options{}, func(s *serverConn) {
		for {
			if _, ok := s.read(); !ok {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ch.Request(ctx, protocol.TypeGetProducers, nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelHandlerCanRequest(t *testing.T) {
	ch := dialScript(t, Options{}, func(s *serverConn) {
		for {
			env, ok := s.read()
			if !ok {
				return
			}
			switch env.Type {
			case protocol.TypePing:
				s.write(protocol.TypeNewProducer, "", protocol.ProducerPayload{ProducerID: "p1"})
			case protocol.TypeGetProducers:
				s.write(protocol.TypeProducers, env.ID, protocol.ProducersPayload{
					Producers: []protocol.ProducerPayload{{ProducerID: "p1"}, {ProducerID: "p2"}},
				})
			}
		}
	})

	got := make(chan int, 1)
	ch.On(protocol.TypeNewProducer, func(protocol.Envelope) {
		var list protocol.ProducersPayload
		if err := ch.Request(context.Background(), protocol.TypeGetProducers, nil, &list); err != nil {
			got <- -1
			return
		}
		got <- len(list.Producers)
	})
	require.NoError(t, ch.Send(protocol.TypePing, nil))

	select {
	case n := <-got:
		require.Equal(t, 2, n)
	case <-time.After(waitFor):
		t.Fatal("handler request never completed")
	}
}

func TestChannelDisconnect(t *testing.T) {
	ch := dialScript(t, Options{}, func(s *serverConn) {
		// drop the connection without answering the first request
		s.read()
	})

	var drops atomic.Int32
	ch.On(EventDisconnected, func(protocol.Envelope) { drops.Add(1) })
	cancel := ch.On(protocol.TypeMembershipUpdated, func(protocol.Envelope) {})
	cancel()

	err := ch.Request(context.Background(), protocol.TypeJoin, protocol.JoinPayload{}, nil)
	require.ErrorIs(t, err, ErrDisconnected)

	require.Eventually(t, func() bool { return drops.Load() == 1 }, waitFor, 5*time.Millisecond)
	select {
	case <-ch.Done():
	case <-time.After(waitFor):
		t.Fatal("channel still up")
	}

	require.ErrorIs(t, ch.Send(protocol.TypePing, nil), ErrDisconnected)
	require.ErrorIs(t, ch.Request(context.Background(), protocol.TypeLeave, nil, nil), ErrDisconnected)
	ch.Close()
	require.Equal(t, int32(1), drops.Load())
}
