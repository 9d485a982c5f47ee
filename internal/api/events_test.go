package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func readSSE(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestRouteEventsSSE(t *testing.T) {
	s, mem := newTestServer(t)
	h := s.Handler()
	route, _ := createRoute(t, h, mem)
	srv := httptest.NewServer(h)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/routes/"+route.ID+"/events/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Org-Id", testOrg)
	req.Header.Set("X-Role", "dispatcher")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	rd := bufio.NewReader(resp.Body)
	if ev, _ := readSSE(t, rd); ev != "heartbeat" {
		t.Fatalf("first event %q, want heartbeat", ev)
	}

	if rr := do(t, h, http.MethodPatch, "/v1/routes/"+route.ID, map[string]any{"status": "IN_PROGRESS"}, asAdmin(testOrg)); rr.Code != 200 {
		t.Fatalf("patch: %d", rr.Code)
	}
	ev, data := readSSE(t, rd)
	if ev != "route.status_changed" || !strings.Contains(data, "IN_PROGRESS") {
		t.Fatalf("got %q %s", ev, data)
	}
}

func TestRouteEventsAccess(t *testing.T) {
	s, mem := newTestServer(t)
	h := s.Handler()
	route, _ := createRoute(t, h, mem)

	crew := header{"X-Org-Id": testOrg, "X-Role": "crew"}
	if rr := do(t, h, http.MethodGet, "/v1/routes/"+route.ID+"/events/stream", nil, crew); rr.Code != http.StatusForbidden {
		t.Fatalf("unassigned crew: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/routes/"+route.ID+"/events/stream", nil, asAdmin("org_b")); rr.Code != http.StatusNotFound {
		t.Fatalf("other org: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/routes/nope/events/ws", nil, asAdmin(testOrg)); rr.Code != http.StatusNotFound {
		t.Fatalf("missing route ws: got %d", rr.Code)
	}
}

func TestRouteEventsWebSocket(t *testing.T) {
	s, mem := newTestServer(t)
	h := s.Handler()
	route, jobs := createRoute(t, h, mem)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/routes/" + route.ID + "/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Org-Id": {testOrg}, "X-Role": {"admin"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status %d", resp.StatusCode)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != "connection_ack" || ack.RouteID != route.ID {
		t.Fatalf("ack: %+v %v", ack, err)
	}

	if rr := do(t, h, http.MethodDelete, "/v1/routes/"+route.ID+"/stops/"+jobs[0].ID, nil, asAdmin(testOrg)); rr.Code != 200 {
		t.Fatalf("remove stop: %d", rr.Code)
	}
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "event" || msg.Event != "route.stop_removed" || msg.Data["jobId"] != jobs[0].ID {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
