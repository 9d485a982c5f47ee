package api

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	rid := "r1"
	ch := b.Subscribe(rid)

	evt := SSEEvent{Type: "test.event", Data: map[string]any{"x": 1}}
	b.Publish(rid, evt)
	b.Publish("other", SSEEvent{Type: "ignored"})

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Type, evt.Type)
		}
		if got.Data["x"].(int) != 1 {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(rid, ch)
	b.Unsubscribe(rid, ch) // second call is a no-op
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(rid, evt)
}

func TestBrokerDropsWhenSubscriberIsSlow(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("r1")
	defer b.Unsubscribe("r1", ch)
	for i := 0; i < 100; i++ {
		b.Publish("r1", SSEEvent{Type: "e"})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffer holds %d of %d", len(ch), cap(ch))
	}
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	b := NewRedisBroker(rdb, nil)

	ch := b.Subscribe("r1")
	b.Publish("r1", SSEEvent{Type: "route.optimized", Data: map[string]any{"stops": 3}})

	select {
	case got := <-ch:
		if got.Type != "route.optimized" || got.Data["stops"] != float64(3) {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}

	b.Unsubscribe("r1", ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected event after unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestRedisBrokerUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	defer rdb.Close()
	b := NewRedisBroker(rdb, nil)

	ch := b.Subscribe("r1")
	if _, ok := <-ch; ok {
		t.Fatal("want closed channel when redis is down")
	}
	b.Unsubscribe("r1", ch)
}
