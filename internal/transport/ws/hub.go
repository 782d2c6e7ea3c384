package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/protocol"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
	queueSize        = 16
)

// Hub mirrors reset notices to websocket observers. It is a chamber.Messenger: every
// broadcast goes to each subscriber whose region filter matches, regardless of recipients.
type Hub struct {
	log *log.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	dropped atomic.Int64
}

type subscriber struct {
	out chan []byte

	mu      sync.Mutex
	regions map[string]bool // nil means every region
}

func (s *subscriber) wants(region string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regions == nil || s.regions[region]
}

func (s *subscriber) setRegions(rs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(rs) == 0 {
		s.regions = nil
		return
	}
	s.regions = make(map[string]bool, len(rs))
	for _, r := range rs {
		s.regions[r] = true
	}
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[*subscriber]struct{}{},
	}
}

// Subscribers is the number of connected observers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts notices discarded for slow observers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) Broadcast(_ context.Context, _ []chamber.Occupant, n protocol.Notice) {
	b, err := json.Marshal(n)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.wants(n.Region) {
			continue
		}
		select {
		case s.out <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := h.handshake(conn)
		if sub == nil {
			return
		}
		h.mu.Lock()
		h.subs[sub] = struct{}{}
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sub.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		// Reader loop: a later SUBSCRIBE replaces the filter.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			sm, ok := decodeSubscribe(msg)
			if !ok {
				continue
			}
			sub.setRegions(sm.Regions)
		}
	}
}

func (h *Hub) handshake(conn *websocket.Conn) *subscriber {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeSubscribe {
		closePolicy(conn, "expected SUBSCRIBE")
		return nil
	}
	sm, ok := decodeSubscribe(msg)
	if !ok {
		closePolicy(conn, "bad protocol_version")
		return nil
	}
	sub := &subscriber{out: make(chan []byte, queueSize)}
	sub.setRegions(sm.Regions)
	if h.log != nil {
		h.log.Printf("observer subscribed regions=%v", sm.Regions)
	}
	return sub
}

func decodeSubscribe(msg []byte) (protocol.SubscribeMsg, bool) {
	var sm protocol.SubscribeMsg
	if err := json.Unmarshal(msg, &sm); err != nil {
		return sm, false
	}
	if sm.Type != protocol.TypeSubscribe || sm.ProtocolVersion != protocol.Version {
		return sm, false
	}
	return sm, true
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}
