package model

import "time"

// Core domain types shared by the store, scheduler and API layers.

type Frequency string

const (
	FrequencyWeekly   Frequency = "WEEKLY"
	FrequencyBiweekly Frequency = "BIWEEKLY"
	FrequencyMonthly  Frequency = "MONTHLY"
	FrequencyOneTime  Frequency = "ONETIME"
)

// Valid reports whether f is one of the known frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyOneTime:
		return true
	}
	return false
}

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionPaused   SubscriptionStatus = "PAUSED"
	SubscriptionCanceled SubscriptionStatus = "CANCELED"
)

func (s SubscriptionStatus) Valid() bool {
	return s == SubscriptionActive || s == SubscriptionPaused || s == SubscriptionCanceled
}

type JobStatus string

const (
	JobScheduled  JobStatus = "SCHEDULED"
	JobEnRoute    JobStatus = "EN_ROUTE"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobSkipped    JobStatus = "SKIPPED"
	JobCanceled   JobStatus = "CANCELED"
)

// jobTransitions lists the allowed next states per job status.
var jobTransitions = map[JobStatus][]JobStatus{
	JobScheduled:  {JobEnRoute, JobInProgress, JobSkipped, JobCanceled},
	JobEnRoute:    {JobInProgress, JobSkipped, JobCanceled},
	JobInProgress: {JobCompleted, JobSkipped},
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobScheduled, JobEnRoute, JobInProgress, JobCompleted, JobSkipped, JobCanceled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, n := range jobTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

type RouteStatus string

const (
	RoutePlanned    RouteStatus = "PLANNED"
	RouteInProgress RouteStatus = "IN_PROGRESS"
	RouteCompleted  RouteStatus = "COMPLETED"
)

func (s RouteStatus) Valid() bool {
	return s == RoutePlanned || s == RouteInProgress || s == RouteCompleted
}

// CanTransition enforces PLANNED -> IN_PROGRESS -> COMPLETED with no way back.
func (s RouteStatus) CanTransition(next RouteStatus) bool {
	switch s {
	case RoutePlanned:
		return next == RouteInProgress
	case RouteInProgress:
		return next == RouteCompleted
	}
	return false
}

type Client struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"orgId"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

type ClientInput struct {
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Active *bool  `json:"active,omitempty"`
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Location struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"orgId"`
	ClientID     string    `json:"clientId"`
	AddressLine1 string    `json:"addressLine1"`
	AddressLine2 string    `json:"addressLine2,omitempty"`
	City         string    `json:"city,omitempty"`
	State        string    `json:"state,omitempty"`
	ZipCode      string    `json:"zipCode,omitempty"`
	Geo          *GeoPoint `json:"geo,omitempty"`
	GateNotes    string    `json:"gateNotes,omitempty"`
	Active       bool      `json:"active"`
}

type LocationInput struct {
	AddressLine1 string    `json:"addressLine1"`
	AddressLine2 string    `json:"addressLine2,omitempty"`
	City         string    `json:"city,omitempty"`
	State        string    `json:"state,omitempty"`
	ZipCode      string    `json:"zipCode,omitempty"`
	Geo          *GeoPoint `json:"geo,omitempty"`
	GateNotes    string    `json:"gateNotes,omitempty"`
	Active       *bool     `json:"active,omitempty"`
}

// Subscription is a recurring service agreement. CreatedAt is the phase
// anchor for biweekly and monthly cadence.
type Subscription struct {
	ID              string             `json:"id"`
	OrgID           string             `json:"orgId"`
	ClientID        string             `json:"clientId"`
	LocationID      string             `json:"locationId"`
	Frequency       Frequency          `json:"frequency"`
	PreferredDay    string             `json:"preferredDay,omitempty"` // weekday name, e.g. "tuesday"
	PricePerVisit   int64              `json:"pricePerVisit"`          // minor currency units
	NextServiceDate string             `json:"nextServiceDate,omitempty"`
	Status          SubscriptionStatus `json:"status"`
	CreatedAt       time.Time          `json:"createdAt"`
}

type SubscriptionInput struct {
	ClientID        string    `json:"clientId"`
	LocationID      string    `json:"locationId"`
	Frequency       Frequency `json:"frequency"`
	PreferredDay    string    `json:"preferredDay,omitempty"`
	PricePerVisit   int64     `json:"pricePerVisit"`
	NextServiceDate string    `json:"nextServiceDate,omitempty"`
	// AnchorAt overrides the creation timestamp (imports, backfills).
	AnchorAt *time.Time `json:"anchorAt,omitempty"`
}

type SubscriptionPatch struct {
	Status          SubscriptionStatus `json:"status,omitempty"`
	PreferredDay    *string            `json:"preferredDay,omitempty"`
	PricePerVisit   *int64             `json:"pricePerVisit,omitempty"`
	NextServiceDate *string            `json:"nextServiceDate,omitempty"`
}

// SchedulableSubscription is a subscription joined with the activity of its
// client and location, as read by the materializer.
type SchedulableSubscription struct {
	Subscription
	ClientActive   bool
	LocationActive bool
}

// Job is a single scheduled visit. RouteID and RouteOrder are derived from the
// route_stops join on read and are never written through the job itself.
type Job struct {
	ID             string         `json:"id"`
	OrgID          string         `json:"orgId"`
	SubscriptionID string         `json:"subscriptionId,omitempty"`
	ClientID       string         `json:"clientId"`
	LocationID     string         `json:"locationId"`
	ScheduledDate  string         `json:"scheduledDate"` // YYYY-MM-DD
	Status         JobStatus      `json:"status"`
	Price          int64          `json:"price"`
	RouteID        string         `json:"routeId,omitempty"`
	RouteOrder     int            `json:"routeOrder,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type JobInput struct {
	SubscriptionID string         `json:"subscriptionId,omitempty"`
	ClientID       string         `json:"clientId"`
	LocationID     string         `json:"locationId"`
	ScheduledDate  string         `json:"scheduledDate"`
	Price          int64          `json:"price"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type JobFilter struct {
	Date    string
	Status  JobStatus
	RouteID string
	Cursor  string
	Limit   int
}

// JobWithLocation is a job joined with the address fields the sequencer needs.
type JobWithLocation struct {
	Job
	AddressLine1 string    `json:"addressLine1"`
	ZipCode      string    `json:"zipCode,omitempty"`
	Geo          *GeoPoint `json:"geo,omitempty"`
}

type Route struct {
	ID         string      `json:"id"`
	OrgID      string      `json:"orgId"`
	Name       string      `json:"name"`
	Date       string      `json:"date"`
	AssignedTo string      `json:"assignedTo,omitempty"`
	Status     RouteStatus `json:"status"`
	Version    int         `json:"version"`
	Stops      []RouteStop `json:"stops"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// RouteStop joins a route to a job. StopOrder is dense 1..N within a route.
type RouteStop struct {
	ID        string           `json:"id"`
	RouteID   string           `json:"routeId"`
	JobID     string           `json:"jobId"`
	StopOrder int              `json:"stopOrder"`
	Job       *JobWithLocation `json:"job,omitempty"`
}

type RouteInput struct {
	Name       string `json:"name"`
	Date       string `json:"date"`
	AssignedTo string `json:"assignedTo,omitempty"`
}

type RoutePatch struct {
	Name       *string     `json:"name,omitempty"`
	AssignedTo *string     `json:"assignedTo,omitempty"`
	Status     RouteStatus `json:"status,omitempty"`
}

// OptimizeRequest accepts either RouteID (reorder an existing route) or an
// explicit job list to build a new route from.
type OptimizeRequest struct {
	RouteID    string   `json:"routeId,omitempty"`
	Date       string   `json:"date,omitempty"`
	JobIDs     []string `json:"jobIds,omitempty"`
	Name       string   `json:"name,omitempty"`
	AssignedTo string   `json:"assignedTo,omitempty"`
	Algorithm  string   `json:"algorithm,omitempty"`
}

type StopRequest struct {
	JobID    string `json:"jobId"`
	Position int    `json:"position,omitempty"`
}

// Outbound webhook endpoints registered by an organization.
type WebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type Webhook struct {
	ID     string   `json:"id"`
	OrgID  string   `json:"orgId"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}
