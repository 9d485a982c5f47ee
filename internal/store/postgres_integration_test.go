//go:build postgres_integration

package store

import (
	"os"
	"testing"
	"time"

	"scooproute/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	if err := p.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// second run is a no-op
	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate again: %v", err)
	}
	if _, _, err := p.ListRoutes(t.Context(), "org_it", "", "", 1); err != nil {
		t.Fatalf("ListRoutes: %v", err)
	}
}

func TestPostgresScheduledJobUniqueness(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	ctx := t.Context()
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	org := "org_it_" + time.Now().Format("150405.000")
	c, err := p.CreateClient(ctx, org, model.ClientInput{Name: "Integration"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	l, err := p.CreateLocation(ctx, org, c.ID, model.LocationInput{AddressLine1: "1 Main St", ZipCode: "91730"})
	if err != nil {
		t.Fatalf("CreateLocation: %v", err)
	}
	s, err := p.CreateSubscription(ctx, org, model.SubscriptionInput{ClientID: c.ID, LocationID: l.ID, Frequency: model.FrequencyWeekly, PricePerVisit: 1500})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	job := model.Job{OrgID: org, SubscriptionID: s.ID, ClientID: c.ID, LocationID: l.ID, ScheduledDate: "2030-01-07", Price: 1500}
	created, err := p.InsertScheduledJob(ctx, job)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	created, err = p.InsertScheduledJob(ctx, job)
	if err != nil || created {
		t.Fatalf("second insert should be suppressed: created=%v err=%v", created, err)
	}
}
