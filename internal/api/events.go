package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"scooproute/internal/model"
)

const (
	sseHeartbeat = 15 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingEvery  = 20 * time.Second
	wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// routeForEvents authorizes a stream subscription. Admins and dispatchers
// may watch any route of their organization; crew only routes assigned to
// them.
func (s *Server) routeForEvents(w http.ResponseWriter, r *http.Request) (model.Route, bool) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return model.Route{}, false
	}
	rt, err := s.Store.GetRoute(r.Context(), p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return model.Route{}, false
	}
	if !(p.IsAdmin() || p.Role == "dispatcher") {
		if p.Role != "crew" || p.Subject == "" || rt.AssignedTo != p.Subject {
			writeProblem(w, http.StatusForbidden, "Forbidden", "not authorized for route events", r.URL.Path)
			return model.Route{}, false
		}
	}
	return rt, true
}

// RouteEventsStreamHandler handles GET /v1/routes/{id}/events/stream (SSE).
func (s *Server) RouteEventsStreamHandler(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.routeForEvents(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(rt.ID)
	defer s.Broker.Unsubscribe(rt.ID, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"routeId\":%q,\"ts\":%q}\n\n", rt.ID, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	tick := time.NewTicker(sseHeartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			b, err := json.Marshal(evt.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-tick.C:
			heartbeat()
		}
	}
}

type wsMessage struct {
	Type    string         `json:"type"`
	RouteID string         `json:"routeId,omitempty"`
	Event   string         `json:"event,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// RouteEventsWSHandler handles GET /v1/routes/{id}/events/ws. The server
// sends a connection_ack, then one "event" message per route event. Client
// messages are read only to notice disconnects.
func (s *Server) RouteEventsWSHandler(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.routeForEvents(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Broker.Subscribe(rt.ID)
	defer s.Broker.Unsubscribe(rt.ID, ch)

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// only this goroutine writes to conn
	write := func(m wsMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(m)
	}
	if err := write(wsMessage{Type: "connection_ack", RouteID: rt.ID}); err != nil {
		return
	}
	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case evt, open := <-ch:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"), time.Now().Add(wsWriteWait))
				return
			}
			if err := write(wsMessage{Type: "event", RouteID: rt.ID, Event: evt.Type, Data: evt.Data}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
