package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"scooproute/internal/model"
	"scooproute/internal/schedule"
	"scooproute/internal/store"
)

func seedWeekly(t *testing.T, mem *store.Memory, org string) {
	t.Helper()
	ctx := context.Background()
	c, err := mem.CreateClient(ctx, org, model.ClientInput{Name: "Sam"})
	if err != nil {
		t.Fatal(err)
	}
	l, err := mem.CreateLocation(ctx, org, c.ID, model.LocationInput{AddressLine1: "1 Oak", ZipCode: "91710"})
	if err != nil {
		t.Fatal(err)
	}
	anchor := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	if _, err := mem.CreateSubscription(ctx, org, model.SubscriptionInput{
		ClientID: c.ID, LocationID: l.ID, Frequency: model.FrequencyWeekly, PricePerVisit: 2000, AnchorAt: &anchor,
	}); err != nil {
		t.Fatal(err)
	}
}

var cronSecret = header{"X-Cron-Secret": "s3cret"}

func TestGenerateJobsWithSecretIsIdempotent(t *testing.T) {
	s, mem := newTestServer(t)
	h := s.Handler()
	seedWeekly(t, mem, testOrg)
	seedWeekly(t, mem, "org_b")

	rr := do(t, h, http.MethodPost, "/v1/cron/generate-jobs", nil, cronSecret)
	if rr.Code != 200 {
		t.Fatalf("first run: %d %s", rr.Code, rr.Body.String())
	}
	first := decode[schedule.Result](t, rr)
	// Monday through the next Monday, Sundays closed: 7 per subscription.
	if !first.Success || first.Generated != 14 || first.SubscriptionsProcessed != 2 || first.DaysAhead != 7 {
		t.Fatalf("unexpected first run: %+v", first)
	}

	rr = do(t, h, http.MethodGet, "/v1/cron/generate-jobs", nil, cronSecret)
	if rr.Code != 200 {
		t.Fatalf("second run: %d", rr.Code)
	}
	second := decode[schedule.Result](t, rr)
	if second.Generated != 0 || second.Skipped != 14 || second.Errors != 0 {
		t.Fatalf("rerun generated jobs: %+v", second)
	}
}

func TestGenerateJobsDaysAhead(t *testing.T) {
	s, mem := newTestServer(t)
	h := s.Handler()
	seedWeekly(t, mem, testOrg)

	rr := do(t, h, http.MethodGet, "/v1/cron/generate-jobs?daysAhead=0&orgId="+testOrg, nil, cronSecret)
	if rr.Code != 200 {
		t.Fatalf("daysAhead=0: %d %s", rr.Code, rr.Body.String())
	}
	if res := decode[schedule.Result](t, rr); res.Generated != 1 || res.DaysAhead != 0 {
		t.Fatalf("today only: %+v", res)
	}

	for _, bad := range []string{"?daysAhead=61", "?daysAhead=-1", "?daysAhead=soon"} {
		if rr := do(t, h, http.MethodGet, "/v1/cron/generate-jobs"+bad, nil, cronSecret); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d, want 400", bad, rr.Code)
		}
	}
	if rr := do(t, h, http.MethodPost, "/v1/cron/generate-jobs", map[string]any{"daysAhead": 90}, cronSecret); rr.Code != http.StatusBadRequest {
		t.Fatalf("POST daysAhead=90: got %d", rr.Code)
	}
}

func TestGenerateJobsAuth(t *testing.T) {
	s, mem := newTestServer(t)
	h := s.Handler()
	seedWeekly(t, mem, testOrg)
	seedWeekly(t, mem, "org_b")

	if rr := do(t, h, http.MethodPost, "/v1/cron/generate-jobs", nil, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/cron/generate-jobs", nil, header{"X-Cron-Secret": "nope"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: got %d", rr.Code)
	}
	for _, bad := range []struct{ method, path string }{
		{http.MethodGet, "/v1/cron/generate-jobs?daysAhead=soon"},
		{http.MethodGet, "/v1/cron/generate-jobs?daysAhead=61"},
	} {
		if rr := do(t, h, bad.method, bad.path, nil, nil); rr.Code != http.StatusUnauthorized {
			t.Fatalf("anonymous %s: got %d, want 401 before validation", bad.path, rr.Code)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/cron/generate-jobs", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous malformed body: got %d, want 401", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/cron/generate-jobs", nil, asAdmin(testOrg)); rr.Code != http.StatusForbidden {
		t.Fatalf("admin without jobs:write: got %d", rr.Code)
	}
	dispatcher := header{"X-Org-Id": testOrg, "X-Role": "dispatcher", "X-Permissions": "jobs:write"}
	if rr := do(t, h, http.MethodPost, "/v1/cron/generate-jobs", nil, dispatcher); rr.Code != http.StatusForbidden {
		t.Fatalf("dispatcher: got %d", rr.Code)
	}

	admin := header{"X-Org-Id": testOrg, "X-Role": "admin", "X-Permissions": "jobs:read,jobs:write"}
	if rr := do(t, h, http.MethodPost, "/v1/cron/generate-jobs", map[string]any{"orgId": "org_b"}, admin); rr.Code != http.StatusForbidden {
		t.Fatalf("admin for another org: got %d", rr.Code)
	}
	rr = do(t, h, http.MethodPost, "/v1/cron/generate-jobs", nil, admin)
	if rr.Code != 200 {
		t.Fatalf("admin: %d %s", rr.Code, rr.Body.String())
	}
	if res := decode[schedule.Result](t, rr); res.SubscriptionsProcessed != 1 || res.Generated != 7 {
		t.Fatalf("admin run not pinned to own org: %+v", res)
	}
	jobs, _, _ := mem.ListJobs(context.Background(), "org_b", model.JobFilter{Limit: 100})
	if len(jobs) != 0 {
		t.Fatalf("org_b got %d jobs", len(jobs))
	}
}

func TestGenerateJobsRefusesOverlappingRun(t *testing.T) {
	s, mem := newTestServer(t)
	h := s.Handler()
	seedWeekly(t, mem, testOrg)

	release, ok, err := s.Lock.TryAcquire(context.Background(), "generate-jobs:all", time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}
	rr := do(t, h, http.MethodPost, "/v1/cron/generate-jobs", nil, cronSecret)
	if rr.Code != http.StatusConflict {
		t.Fatalf("overlapping run: got %d, want 409", rr.Code)
	}
	if p := decode[Problem](t, rr); p.Error == "" {
		t.Fatalf("missing error message: %+v", p)
	}
	release()

	if rr := do(t, h, http.MethodPost, "/v1/cron/generate-jobs", nil, cronSecret); rr.Code != 200 {
		t.Fatalf("after release: got %d", rr.Code)
	}
}
