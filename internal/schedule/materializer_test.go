package schedule

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"scooproute/internal/model"
	"scooproute/internal/store"
)

type fixture struct {
	mem    *store.Memory
	client model.Client
	loc    model.Location
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	c, err := mem.CreateClient(ctx, "org1", model.ClientInput{Name: "Pat"})
	if err != nil {
		t.Fatal(err)
	}
	l, err := mem.CreateLocation(ctx, "org1", c.ID, model.LocationInput{AddressLine1: "10 Oak", ZipCode: "91710"})
	if err != nil {
		t.Fatal(err)
	}
	return fixture{mem: mem, client: c, loc: l}
}

func (f fixture) subscribe(t *testing.T, freq model.Frequency, anchor string, mut func(*model.SubscriptionInput)) model.Subscription {
	t.Helper()
	a := day(t, anchor)
	in := model.SubscriptionInput{ClientID: f.client.ID, LocationID: f.loc.ID, Frequency: freq, PricePerVisit: 2500, AnchorAt: &a}
	if mut != nil {
		mut(&in)
	}
	s, err := f.mem.CreateSubscription(context.Background(), "org1", in)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (f fixture) jobCount(t *testing.T) int {
	t.Helper()
	jobs, _, err := f.mem.ListJobs(context.Background(), "org1", model.JobFilter{Limit: 500})
	if err != nil {
		t.Fatal(err)
	}
	return len(jobs)
}

func newMaterializer(sink JobSink) *Materializer {
	return &Materializer{Store: sink, Policy: DefaultPolicy(), Location: time.UTC}
}

func TestMaterializerIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, model.FrequencyWeekly, "2025-03-03", nil)
	m := newMaterializer(f.mem)
	req := Request{OrgID: "org1", Today: day(t, "2025-03-03")} // Monday, horizon through next Monday

	first, err := m.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Success || first.Generated != 7 || first.DaysAhead != DefaultDaysAhead || first.SubscriptionsProcessed != 1 {
		t.Fatalf("unexpected first run: %+v", first)
	}
	count := f.jobCount(t)

	second, err := m.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if second.Generated != 0 || second.Skipped != 7 {
		t.Fatalf("second run should only skip: %+v", second)
	}
	if f.jobCount(t) != count {
		t.Fatalf("job count changed from %d to %d", count, f.jobCount(t))
	}
}

func TestMaterializerJobShape(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, model.FrequencyWeekly, "2025-03-03", nil)
	m := newMaterializer(f.mem)
	zero := 0
	if _, err := m.Run(context.Background(), Request{OrgID: "org1", DaysAhead: &zero, Today: day(t, "2025-03-04")}); err != nil {
		t.Fatal(err)
	}
	jobs, _, _ := f.mem.ListJobs(context.Background(), "org1", model.JobFilter{})
	if len(jobs) != 1 {
		t.Fatalf("daysAhead=0 should cover today only, got %d jobs", len(jobs))
	}
	j := jobs[0]
	if j.ScheduledDate != "2025-03-04" || j.Status != model.JobScheduled || j.Price != sub.PricePerVisit || j.SubscriptionID != sub.ID {
		t.Fatalf("unexpected job %+v", j)
	}
	if j.Metadata["source"] != "system" {
		t.Fatalf("job should be tagged system-generated: %v", j.Metadata)
	}
}

func TestMaterializerSkipsInactiveClient(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, model.FrequencyWeekly, "2025-03-03", nil)
	if _, err := f.mem.SetClientActive(context.Background(), "org1", f.client.ID, false); err != nil {
		t.Fatal(err)
	}
	res, err := newMaterializer(f.mem).Run(context.Background(), Request{OrgID: "org1", Today: day(t, "2025-03-03")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Generated != 0 || res.Skipped != 1 || res.SubscriptionsProcessed != 1 {
		t.Fatalf("inactive client should skip the subscription once: %+v", res)
	}
}

func TestMaterializerIgnoresPausedSubscriptions(t *testing.T) {
	f := newFixture(t)
	s := f.subscribe(t, model.FrequencyWeekly, "2025-03-03", nil)
	if _, err := f.mem.PatchSubscription(context.Background(), "org1", s.ID, model.SubscriptionPatch{Status: model.SubscriptionPaused}); err != nil {
		t.Fatal(err)
	}
	res, _ := newMaterializer(f.mem).Run(context.Background(), Request{OrgID: "org1", Today: day(t, "2025-03-03")})
	if res.Generated != 0 || res.SubscriptionsProcessed != 0 {
		t.Fatalf("paused subscription should not be processed: %+v", res)
	}
}

func TestMaterializerOneTime(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, model.FrequencyOneTime, "2025-03-01", func(in *model.SubscriptionInput) { in.NextServiceDate = "2025-03-20" })
	f.subscribe(t, model.FrequencyOneTime, "2025-03-01", nil) // no date: ignored
	m := newMaterializer(f.mem)
	req := Request{OrgID: "org1", Today: day(t, "2025-03-03")}
	res, err := m.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Generated != 1 || res.SubscriptionsProcessed != 1 {
		t.Fatalf("one-time pass should create exactly one job: %+v", res)
	}
	res, _ = m.Run(context.Background(), req)
	if res.Generated != 0 || res.Skipped != 1 {
		t.Fatalf("rerun should skip the one-time job: %+v", res)
	}
}

func TestMaterializerBiweeklyHorizon(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, model.FrequencyBiweekly, "2025-03-03", func(in *model.SubscriptionInput) { in.PreferredDay = "monday" })
	days := 28
	res, err := newMaterializer(f.mem).Run(context.Background(), Request{OrgID: "org1", DaysAhead: &days, Today: day(t, "2025-03-03")})
	if err != nil {
		t.Fatal(err)
	}
	// Mondays 03-03, 03-17, 03-31 are on-phase; 03-10 and 03-24 are not.
	if res.Generated != 3 {
		t.Fatalf("want 3 biweekly Mondays, got %+v", res)
	}
}

// flakySink fails every insert on one date.
type flakySink struct {
	*store.Memory
	failDate string
}

func (s flakySink) InsertScheduledJob(ctx context.Context, job model.Job) (bool, error) {
	if job.ScheduledDate == s.failDate {
		return false, errors.New("connection reset")
	}
	return s.Memory.InsertScheduledJob(ctx, job)
}

func TestMaterializerCountsErrorsAndContinues(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, model.FrequencyWeekly, "2025-03-03", nil)
	res, err := newMaterializer(flakySink{Memory: f.mem, failDate: "2025-03-05"}).Run(context.Background(), Request{OrgID: "org1", Today: day(t, "2025-03-03")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Errors != 1 || res.Generated != 6 || !res.Success {
		t.Fatalf("one failed insert should not stop the run: %+v", res)
	}
}

func TestMaterializerInvalidPinIsAnError(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, model.FrequencyWeekly, "2025-03-03", func(in *model.SubscriptionInput) { in.PreferredDay = "someday" })
	res, _ := newMaterializer(f.mem).Run(context.Background(), Request{OrgID: "org1", Today: day(t, "2025-03-03")})
	if res.Errors != 1 || res.Generated != 0 {
		t.Fatalf("unparseable weekday should count one error: %+v", res)
	}
}

func TestMaterializerStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, model.FrequencyWeekly, "2025-03-03", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := newMaterializer(f.mem).Run(ctx, Request{OrgID: "org1", Today: day(t, "2025-03-03")})
	if !errors.Is(err, context.Canceled) || res.Success {
		t.Fatalf("cancelled run should fail: %+v %v", res, err)
	}
}

// downSink cannot list subscriptions.
type downSink struct{ *store.Memory }

func (downSink) ListSchedulableSubscriptions(context.Context, string) ([]model.SchedulableSubscription, error) {
	return nil, errors.New("connection refused")
}

func TestMaterializerLoadFailureIsReported(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	m := newMaterializer(downSink{f.mem})
	m.Logger = slog.New(slog.NewTextHandler(&buf, nil))

	res, err := m.Run(context.Background(), Request{OrgID: "org1", Today: day(t, "2025-03-03")})
	if err == nil || res.Success {
		t.Fatalf("load failure should fail the run: %+v %v", res, err)
	}
	out := buf.String()
	if !strings.Contains(out, "materializer run aborted") || !strings.Contains(out, "connection refused") || !strings.Contains(out, "org=org1") {
		t.Fatalf("missing run summary in log: %q", out)
	}
}
