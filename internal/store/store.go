package store

import (
	"context"
	"errors"
	"time"

	"scooproute/internal/model"
)

// Store is the persistence interface used by the API server, the
// materializer and the dispatch service.
type Store interface {
	Ping(ctx context.Context) error

	// Clients & locations
	CreateClient(ctx context.Context, orgID string, in model.ClientInput) (model.Client, error)
	ListClients(ctx context.Context, orgID, cursor string, limit int) ([]model.Client, string, error)
	SetClientActive(ctx context.Context, orgID, id string, active bool) (model.Client, error)
	CreateLocation(ctx context.Context, orgID, clientID string, in model.LocationInput) (model.Location, error)
	SetLocationActive(ctx context.Context, orgID, id string, active bool) (model.Location, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, orgID string, in model.SubscriptionInput) (model.Subscription, error)
	GetSubscription(ctx context.Context, orgID, id string) (model.Subscription, error)
	ListSubscriptions(ctx context.Context, orgID, cursor string, limit int) ([]model.Subscription, string, error)
	PatchSubscription(ctx context.Context, orgID, id string, patch model.SubscriptionPatch) (model.Subscription, error)
	// ListSchedulableSubscriptions returns ACTIVE subscriptions with their
	// client/location activity. An empty orgID lists every organization.
	ListSchedulableSubscriptions(ctx context.Context, orgID string) ([]model.SchedulableSubscription, error)

	// Jobs
	InsertScheduledJob(ctx context.Context, job model.Job) (created bool, err error)
	InsertOneTimeJob(ctx context.Context, job model.Job) (created bool, err error)
	CreateJob(ctx context.Context, orgID string, in model.JobInput) (model.Job, error)
	GetJob(ctx context.Context, orgID, id string) (model.Job, error)
	ListJobs(ctx context.Context, orgID string, f model.JobFilter) ([]model.Job, string, error)
	// GetJobsWithLocation returns the jobs in ids order; any missing id is ErrNotFound.
	GetJobsWithLocation(ctx context.Context, orgID string, ids []string) ([]model.JobWithLocation, error)
	// UpdateJobStatus moves a job from one status to another; ErrConflict if
	// the job is no longer in from.
	UpdateJobStatus(ctx context.Context, orgID, id string, from, to model.JobStatus) (model.Job, error)

	// Routes
	CreateRoute(ctx context.Context, orgID string, in model.RouteInput, jobIDs []string) (model.Route, error)
	GetRoute(ctx context.Context, orgID, routeID string) (model.Route, error)
	ListRoutes(ctx context.Context, orgID, date, cursor string, limit int) ([]model.Route, string, error)
	// PatchRoute applies patch only while the route is still in status from
	// (empty from skips the check); otherwise ErrConflict.
	PatchRoute(ctx context.Context, orgID, routeID string, from model.RouteStatus, patch model.RoutePatch) (model.Route, error)
	// DeleteRoute refuses an IN_PROGRESS route with ErrRouteInProgress.
	DeleteRoute(ctx context.Context, orgID, routeID string) error
	// ApplyStopOrder, InsertStop and RemoveStop refuse a COMPLETED route with
	// ErrRouteCompleted, checked in the same critical section as the write.
	//
	// ApplyStopOrder renumbers the route's stops 1..N in jobIDs order. jobIDs
	// must be exactly the route's current jobs; otherwise ErrConflict.
	ApplyStopOrder(ctx context.Context, orgID, routeID string, jobIDs []string) error
	// InsertStop shifts stops at or after position by one and inserts the job
	// there. position <= 0 or beyond the end appends.
	InsertStop(ctx context.Context, orgID, routeID, jobID string, position int) (model.Route, error)
	// RemoveStop deletes the job's stop and closes the gap.
	RemoveStop(ctx context.Context, orgID, routeID, jobID string) (model.Route, error)
	RouteStats(ctx context.Context, orgID, date string) (map[string]any, error)

	// Outbound webhooks
	CreateWebhook(ctx context.Context, orgID string, req model.WebhookRequest) (model.Webhook, error)
	ListWebhooks(ctx context.Context, orgID string) ([]model.Webhook, error)
	DeleteWebhook(ctx context.Context, orgID, id string) error
	GetWebhooksForEvent(ctx context.Context, orgID, eventType string) ([]model.Webhook, error)

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, orgID, webhookID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, orgID, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, orgID, id string) error
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness or state precondition violation.
	ErrConflict = errors.New("conflict")
	// ErrRouteCompleted rejects any stop change on a finished route.
	ErrRouteCompleted = errors.New("route is completed and cannot be modified")
	// ErrRouteInProgress rejects deleting a route a crew is working.
	ErrRouteInProgress = errors.New("route is in progress and cannot be deleted")
)

const oneTimeKind = "onetime"

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
