// Package testrelay runs a minimal in-process Nostr relay over websockets.
// The integration and benchmark binaries use it so scenarios are
// self-contained; it is not a production relay.
package testrelay

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server is one in-memory relay.
type Server struct {
	log *zap.Logger

	mu     sync.Mutex
	events []nostr.Event
	subs   map[*client]map[string]nostr.Filters

	listener net.Listener
	httpSrv  *http.Server
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (c *client) send(msg []any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Start launches the relay on a loopback port.
func Start(log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:      log,
		subs:     make(map[*client]map[string]nostr.Filters),
		listener: ln,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}
	go func() { _ = s.httpSrv.Serve(ln) }()
	return s, nil
}

// URL returns the ws:// address of the relay.
func (s *Server) URL() string {
	return "ws://" + s.listener.Addr().String()
}

// Close shuts the relay down.
func (s *Server) Close() {
	_ = s.httpSrv.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.mu.Lock()
	s.subs[c] = make(map[string]nostr.Filters)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, c)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(c, raw)
	}
}

func (s *Server) handleMessage(c *client, raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 2 {
			return
		}
		var ev nostr.Event
		if err := json.Unmarshal(frame[1], &ev); err != nil {
			return
		}
		if ok, err := ev.CheckSignature(); err != nil || !ok {
			_ = c.send([]any{"OK", ev.ID, false, "invalid: bad signature"})
			return
		}
		s.store(ev)
		_ = c.send([]any{"OK", ev.ID, true, ""})
		s.broadcast(ev)

	case "REQ":
		if len(frame) < 3 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		var filters nostr.Filters
		for _, rawFilter := range frame[2:] {
			var f nostr.Filter
			if err := json.Unmarshal(rawFilter, &f); err != nil {
				return
			}
			filters = append(filters, f)
		}
		s.mu.Lock()
		stored := make([]nostr.Event, len(s.events))
		copy(stored, s.events)
		s.subs[c][subID] = filters
		s.mu.Unlock()

		for _, ev := range stored {
			if matches(filters, &ev) {
				_ = c.send([]any{"EVENT", subID, ev})
			}
		}
		_ = c.send([]any{"EOSE", subID})

	case "CLOSE":
		if len(frame) < 2 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		s.mu.Lock()
		delete(s.subs[c], subID)
		s.mu.Unlock()
	}
}

func (s *Server) store(ev nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events {
		if existing.ID == ev.ID {
			return
		}
	}
	s.events = append(s.events, ev)
}

func (s *Server) broadcast(ev nostr.Event) {
	s.mu.Lock()
	type target struct {
		c     *client
		subID string
	}
	var targets []target
	for c, subs := range s.subs {
		for subID, filters := range subs {
			if matches(filters, &ev) {
				targets = append(targets, target{c, subID})
			}
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		if err := t.c.send([]any{"EVENT", t.subID, ev}); err != nil {
			s.log.Debug("relay broadcast write failed", zap.Error(err))
		}
	}
}

func matches(filters nostr.Filters, ev *nostr.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}
