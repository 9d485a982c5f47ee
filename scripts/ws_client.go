// Package main tails live events for one route over the WebSocket feed.
//
//	go run ./scripts <routeId> [orgId]
//
// With -start it also moves the route to IN_PROGRESS so at least one event
// arrives.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string         `json:"type"`
	RouteID string         `json:"routeId,omitempty"`
	Event   string         `json:"event,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func main() {
	start := flag.Bool("start", false, "PATCH the route to IN_PROGRESS after connecting")
	flag.Parse()
	if flag.NArg() < 1 {
		log.Fatal("usage: ws_client [-start] <routeId> [orgId]")
	}
	routeID := flag.Arg(0)
	org := os.Getenv("ORG_ID")
	if flag.NArg() > 1 {
		org = flag.Arg(1)
	}
	if org == "" {
		org = "org_demo"
	}
	host := os.Getenv("API_HOST")
	if host == "" {
		host = "localhost:8080"
	}

	hdr := http.Header{}
	hdr.Set("X-Org-Id", org)
	hdr.Set("X-Role", "admin")
	if tok := os.Getenv("API_TOKEN"); tok != "" {
		hdr.Set("Authorization", "Bearer "+tok)
	}

	u := url.URL{Scheme: "ws", Host: host, Path: "/v1/routes/" + routeID + "/events/ws"}
	c, resp, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		if resp != nil {
			log.Fatalf("dial: %v (status %d)", err, resp.StatusCode)
		}
		log.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			data, _ := json.Marshal(m.Data)
			log.Printf("<- %s %s %s", m.Type, m.Event, data)
		}
	}()

	if *start {
		body, _ := json.Marshal(map[string]string{"status": "IN_PROGRESS"})
		req, _ := http.NewRequest(http.MethodPatch, fmt.Sprintf("http://%s/v1/routes/%s", host, routeID), bytes.NewReader(body))
		req.Header = hdr.Clone()
		req.Header.Set("Content-Type", "application/json")
		if resp, err := http.DefaultClient.Do(req); err != nil {
			log.Printf("patch route: %v", err)
		} else {
			_ = resp.Body.Close()
			log.Printf("patch route: %s", resp.Status)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	select {
	case <-done:
	case <-interrupt:
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}
