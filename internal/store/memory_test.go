package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"scooproute/internal/model"
)

// seedJobs creates one client/location and n unrouted jobs on date.
func seedJobs(t *testing.T, m *Memory, org string, n int) []string {
	t.Helper()
	ctx := context.Background()
	c, err := m.CreateClient(ctx, org, model.ClientInput{Name: "Acme"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	l, err := m.CreateLocation(ctx, org, c.ID, model.LocationInput{AddressLine1: "1 Elm", ZipCode: "91730"})
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		j, err := m.CreateJob(ctx, org, model.JobInput{ClientID: c.ID, LocationID: l.ID, ScheduledDate: "2025-03-03", Price: int64(1000 + i)})
		if err != nil {
			t.Fatalf("job: %v", err)
		}
		ids = append(ids, j.ID)
	}
	return ids
}

func stopOrders(r model.Route) []int {
	out := make([]int, len(r.Stops))
	for i, s := range r.Stops {
		out[i] = s.StopOrder
	}
	return out
}

func TestMemoryRemoveStopCompacts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	jobs := seedJobs(t, m, "org1", 4)
	r, err := m.CreateRoute(ctx, "org1", model.RouteInput{Name: "Mon", Date: "2025-03-03"}, jobs)
	if err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}
	if got := fmt.Sprint(stopOrders(r)); got != "[1 2 3 4]" {
		t.Fatalf("initial orders %s", got)
	}
	r, err = m.RemoveStop(ctx, "org1", r.ID, jobs[1])
	if err != nil {
		t.Fatalf("RemoveStop: %v", err)
	}
	if got := fmt.Sprint(stopOrders(r)); got != "[1 2 3]" {
		t.Fatalf("want [1 2 3], got %s", got)
	}
	want := []string{jobs[0], jobs[2], jobs[3]}
	for i, s := range r.Stops {
		if s.JobID != want[i] {
			t.Fatalf("stop %d: want job %s got %s", i, want[i], s.JobID)
		}
		j, _ := m.GetJob(ctx, "org1", s.JobID)
		if j.RouteOrder != s.StopOrder || j.RouteID != r.ID {
			t.Fatalf("job %s route order %d does not match stop %d", j.ID, j.RouteOrder, s.StopOrder)
		}
	}
	removed, _ := m.GetJob(ctx, "org1", jobs[1])
	if removed.RouteID != "" || removed.RouteOrder != 0 {
		t.Fatalf("removed job still routed: %+v", removed)
	}
}

func TestMemoryInsertStopShifts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	jobs := seedJobs(t, m, "org1", 4)
	r, _ := m.CreateRoute(ctx, "org1", model.RouteInput{Name: "Mon", Date: "2025-03-03"}, jobs[:3])
	r, err := m.InsertStop(ctx, "org1", r.ID, jobs[3], 2)
	if err != nil {
		t.Fatalf("InsertStop: %v", err)
	}
	wantJobs := []string{jobs[0], jobs[3], jobs[1], jobs[2]}
	for i, s := range r.Stops {
		if s.JobID != wantJobs[i] || s.StopOrder != i+1 {
			t.Fatalf("stop %d = %s/%d, want %s/%d", i, s.JobID, s.StopOrder, wantJobs[i], i+1)
		}
	}
	if _, err := m.InsertStop(ctx, "org1", r.ID, jobs[3], 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("re-adding a routed job should conflict, got %v", err)
	}
}

func TestMemoryInsertStopAppendsOutOfRange(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	jobs := seedJobs(t, m, "org1", 3)
	r, _ := m.CreateRoute(ctx, "org1", model.RouteInput{Name: "Mon", Date: "2025-03-03"}, jobs[:2])
	r, err := m.InsertStop(ctx, "org1", r.ID, jobs[2], 99)
	if err != nil {
		t.Fatalf("InsertStop: %v", err)
	}
	if last := r.Stops[len(r.Stops)-1]; last.JobID != jobs[2] || last.StopOrder != 3 {
		t.Fatalf("expected append at 3, got %+v", last)
	}
}

func TestMemoryApplyStopOrderRequiresSameSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	jobs := seedJobs(t, m, "org1", 3)
	r, _ := m.CreateRoute(ctx, "org1", model.RouteInput{Name: "Mon", Date: "2025-03-03"}, jobs)
	if err := m.ApplyStopOrder(ctx, "org1", r.ID, jobs[:2]); !errors.Is(err, ErrConflict) {
		t.Fatalf("short order list should conflict, got %v", err)
	}
	rev := []string{jobs[2], jobs[1], jobs[0]}
	if err := m.ApplyStopOrder(ctx, "org1", r.ID, rev); err != nil {
		t.Fatalf("ApplyStopOrder: %v", err)
	}
	got, _ := m.GetRoute(ctx, "org1", r.ID)
	for i, s := range got.Stops {
		if s.JobID != rev[i] || s.StopOrder != i+1 {
			t.Fatalf("stop %d = %s/%d", i, s.JobID, s.StopOrder)
		}
	}
	if got.Version != r.Version+1 {
		t.Fatalf("version not bumped: %d -> %d", r.Version, got.Version)
	}
}

func TestMemoryDeleteRouteKeepsJobs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	jobs := seedJobs(t, m, "org1", 2)
	r, _ := m.CreateRoute(ctx, "org1", model.RouteInput{Name: "Mon", Date: "2025-03-03"}, jobs)
	if err := m.DeleteRoute(ctx, "org1", r.ID); err != nil {
		t.Fatalf("DeleteRoute: %v", err)
	}
	if _, err := m.GetRoute(ctx, "org1", r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("route should be gone, got %v", err)
	}
	j, err := m.GetJob(ctx, "org1", jobs[0])
	if err != nil || j.RouteID != "" {
		t.Fatalf("job should survive unrouted: %+v %v", j, err)
	}
}

func TestMemoryScheduledJobUniqueness(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job := model.Job{OrgID: "org1", SubscriptionID: "sub1", ClientID: "c", LocationID: "l", ScheduledDate: "2025-03-03"}
	if created, err := m.InsertScheduledJob(ctx, job); err != nil || !created {
		t.Fatalf("first insert: %v %v", created, err)
	}
	if created, err := m.InsertScheduledJob(ctx, job); err != nil || created {
		t.Fatalf("duplicate insert must be suppressed: %v %v", created, err)
	}
	job.ScheduledDate = "2025-03-04"
	if created, _ := m.InsertOneTimeJob(ctx, job); !created {
		t.Fatalf("first one-time insert should create")
	}
	job.ScheduledDate = "2025-03-09"
	if created, _ := m.InsertOneTimeJob(ctx, job); created {
		t.Fatalf("one-time job is keyed by subscription only")
	}
}

func TestMemoryTenantIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	jobs := seedJobs(t, m, "org1", 1)
	if _, err := m.GetJob(ctx, "org2", jobs[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other org must not see job, got %v", err)
	}
	if _, err := m.CreateRoute(ctx, "org2", model.RouteInput{Name: "x", Date: "2025-03-03"}, jobs); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other org must not route job, got %v", err)
	}
}

func TestMemoryWebhookQueue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1"}`)
	id1, _ := m.EnqueueWebhook(ctx, "org1", "wh1", "route.optimized", "http://x", "s", payload)
	id2, _ := m.EnqueueWebhook(ctx, "org1", "wh1", "route.optimized", "http://x", "s", payload)
	if id1 != id2 {
		t.Fatalf("same event id should dedup, got %s and %s", id1, id2)
	}
	due, _ := m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 {
		t.Fatalf("want 1 due, got %d", len(due))
	}
	if err := m.FailWebhookDelivery(ctx, id1, "boom", 500, 3); err != nil {
		t.Fatal(err)
	}
	items, _, _ := m.ListWebhookDeliveries(ctx, "org1", "failed", "", 10)
	if len(items) != 1 {
		t.Fatalf("want 1 failed, got %d", len(items))
	}
	if err := m.RetryWebhookDelivery(ctx, "org2", id1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("retry across orgs should be not found, got %v", err)
	}
	if err := m.RetryWebhookDelivery(ctx, "org1", id1); err != nil {
		t.Fatal(err)
	}
	due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 {
		t.Fatalf("retried delivery should be due again, got %d", len(due))
	}
}
