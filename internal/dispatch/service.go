// Package dispatch orders a day's jobs into routes and keeps route stop
// order consistent as stops are added, removed and resequenced.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"scooproute/internal/metrics"
	"scooproute/internal/model"
	"scooproute/internal/opt"
	"scooproute/internal/schedule"
	"scooproute/internal/store"
)

// Route and job event types fanned out to stream subscribers and webhooks.
const (
	EventRouteOptimized     = "route.optimized"
	EventRouteStopAdded     = "route.stop_added"
	EventRouteStopRemoved   = "route.stop_removed"
	EventRouteStatusChanged = "route.status_changed"
	EventRouteDeleted       = "route.deleted"
	EventJobStatusChanged   = "job.status_changed"
)

// Notifier receives an event after the change it describes is stored.
type Notifier interface {
	Notify(ctx context.Context, orgID, routeID, eventType string, data map[string]any)
}

type Service struct {
	Store  store.Store
	Notify Notifier
	Logger *slog.Logger
	// Algorithm is used when a request names none.
	Algorithm string
}

func NewService(s store.Store, n Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{Store: s, Notify: n, Logger: log, Algorithm: opt.AlgoZipStreet}
}

// PreviewStop is one entry of a dry-run order.
type PreviewStop struct {
	Position int                   `json:"position"`
	Job      model.JobWithLocation `json:"job"`
}

// Optimize reorders an existing route when req.RouteID is set, otherwise
// builds a new route for req.Date from req.JobIDs.
func (s *Service) Optimize(ctx context.Context, orgID string, req model.OptimizeRequest) (model.Route, error) {
	if req.RouteID != "" {
		return s.OptimizeRoute(ctx, orgID, req.RouteID, req.Algorithm)
	}
	return s.CreateRouteFromJobs(ctx, orgID, req)
}

// OptimizeRoute resequences the route's current stops and writes the new
// order in one step. Completed routes are refused and left untouched; the
// store repeats that check atomically with the write.
func (s *Service) OptimizeRoute(ctx context.Context, orgID, routeID, algo string) (model.Route, error) {
	algo, err := s.algorithm(algo)
	if err != nil {
		return model.Route{}, err
	}
	r, err := s.Store.GetRoute(ctx, orgID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if r.Status == model.RouteCompleted {
		return model.Route{}, ErrRouteCompleted
	}
	jobs := make([]model.JobWithLocation, 0, len(r.Stops))
	for _, st := range r.Stops {
		if st.Job != nil {
			jobs = append(jobs, *st.Job)
		}
	}
	ordered, err := opt.SequenceWith(algo, toStopInputs(jobs))
	if err != nil {
		return model.Route{}, err
	}
	if err := s.Store.ApplyStopOrder(ctx, orgID, routeID, jobIDs(ordered)); err != nil {
		return model.Route{}, err
	}
	metrics.RouteSequencing.WithLabelValues(algo, "persist").Inc()
	r, err = s.Store.GetRoute(ctx, orgID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	s.Logger.Info("route optimized", "org", orgID, "route", routeID, "stops", len(r.Stops), "algorithm", algo)
	s.notify(ctx, orgID, routeID, EventRouteOptimized, map[string]any{"routeId": routeID, "stops": len(r.Stops), "version": r.Version})
	return r, nil
}

// CreateRouteFromJobs sequences the listed jobs and stores them as a new
// PLANNED route.
func (s *Service) CreateRouteFromJobs(ctx context.Context, orgID string, req model.OptimizeRequest) (model.Route, error) {
	algo, err := s.algorithm(req.Algorithm)
	if err != nil {
		return model.Route{}, err
	}
	if req.Date == "" {
		return model.Route{}, invalid("date", "routeId or date with jobIds is required")
	}
	if _, err := schedule.ParseDate(req.Date); err != nil {
		return model.Route{}, invalid("date", err.Error())
	}
	if err := checkJobIDs(req.JobIDs); err != nil {
		return model.Route{}, err
	}
	jobs, err := s.Store.GetJobsWithLocation(ctx, orgID, req.JobIDs)
	if err != nil {
		return model.Route{}, err
	}
	for _, j := range jobs {
		if j.ScheduledDate != req.Date {
			return model.Route{}, invalid("jobIds", fmt.Sprintf("job %s is scheduled for %s, not %s", j.ID, j.ScheduledDate, req.Date))
		}
		if j.RouteID != "" {
			return model.Route{}, invalid("jobIds", fmt.Sprintf("job %s is already on route %s", j.ID, j.RouteID))
		}
	}
	ordered, err := opt.SequenceWith(algo, toStopInputs(jobs))
	if err != nil {
		return model.Route{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Route " + req.Date
	}
	r, err := s.Store.CreateRoute(ctx, orgID, model.RouteInput{Name: name, Date: req.Date, AssignedTo: req.AssignedTo}, jobIDs(ordered))
	if err != nil {
		return model.Route{}, err
	}
	metrics.RouteSequencing.WithLabelValues(algo, "persist").Inc()
	s.Logger.Info("route created", "org", orgID, "route", r.ID, "date", r.Date, "stops", len(r.Stops), "algorithm", algo)
	s.notify(ctx, orgID, r.ID, EventRouteOptimized, map[string]any{"routeId": r.ID, "stops": len(r.Stops), "version": r.Version})
	return r, nil
}

// Preview returns the order the sequencer would produce without writing.
func (s *Service) Preview(ctx context.Context, orgID string, ids []string, algo string) ([]PreviewStop, error) {
	algo, err := s.algorithm(algo)
	if err != nil {
		return nil, err
	}
	if err := checkJobIDs(ids); err != nil {
		return nil, err
	}
	jobs, err := s.Store.GetJobsWithLocation(ctx, orgID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.JobWithLocation, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	ordered, err := opt.SequenceWith(algo, toStopInputs(jobs))
	if err != nil {
		return nil, err
	}
	out := make([]PreviewStop, 0, len(ordered))
	for i, st := range ordered {
		out = append(out, PreviewStop{Position: i + 1, Job: byID[st.JobID]})
	}
	metrics.RouteSequencing.WithLabelValues(algo, "preview").Inc()
	return out, nil
}

// AddStop inserts a job at position (1-based; 0 or past the end appends).
func (s *Service) AddStop(ctx context.Context, orgID, routeID string, req model.StopRequest) (model.Route, error) {
	if req.JobID == "" {
		return model.Route{}, invalid("jobId", "is required")
	}
	if req.Position < 0 {
		return model.Route{}, invalid("position", "must not be negative")
	}
	if err := s.modifiable(ctx, orgID, routeID); err != nil {
		return model.Route{}, err
	}
	job, err := s.Store.GetJob(ctx, orgID, req.JobID)
	if err != nil {
		return model.Route{}, err
	}
	if job.RouteID != "" {
		return model.Route{}, invalid("jobId", fmt.Sprintf("job is already on route %s", job.RouteID))
	}
	r, err := s.Store.InsertStop(ctx, orgID, routeID, req.JobID, req.Position)
	if err != nil {
		return model.Route{}, err
	}
	pos := 0
	for _, st := range r.Stops {
		if st.JobID == req.JobID {
			pos = st.StopOrder
		}
	}
	s.notify(ctx, orgID, routeID, EventRouteStopAdded, map[string]any{"routeId": routeID, "jobId": req.JobID, "stopOrder": pos, "version": r.Version})
	return r, nil
}

// RemoveStop drops a job from the route and closes the gap it leaves.
func (s *Service) RemoveStop(ctx context.Context, orgID, routeID, jobID string) (model.Route, error) {
	if err := s.modifiable(ctx, orgID, routeID); err != nil {
		return model.Route{}, err
	}
	r, err := s.Store.RemoveStop(ctx, orgID, routeID, jobID)
	if err != nil {
		return model.Route{}, err
	}
	s.notify(ctx, orgID, routeID, EventRouteStopRemoved, map[string]any{"routeId": routeID, "jobId": jobID, "version": r.Version})
	return r, nil
}

// UpdateRoute applies name/crew changes and validates any status move.
func (s *Service) UpdateRoute(ctx context.Context, orgID, routeID string, patch model.RoutePatch) (model.Route, error) {
	cur, err := s.Store.GetRoute(ctx, orgID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	var from model.RouteStatus
	if patch.Status != "" {
		if !patch.Status.Valid() {
			return model.Route{}, invalid("status", fmt.Sprintf("unknown route status %q", patch.Status))
		}
		if patch.Status == cur.Status {
			patch.Status = ""
		} else if !cur.Status.CanTransition(patch.Status) {
			return model.Route{}, fmt.Errorf("%w: route %s -> %s", ErrInvalidTransition, cur.Status, patch.Status)
		} else {
			from = cur.Status
		}
	}
	// from pins the status the transition was validated against; a
	// concurrent change surfaces as store.ErrConflict.
	r, err := s.Store.PatchRoute(ctx, orgID, routeID, from, patch)
	if err != nil {
		return model.Route{}, err
	}
	if from != "" {
		s.notify(ctx, orgID, routeID, EventRouteStatusChanged, map[string]any{"routeId": routeID, "from": cur.Status, "to": r.Status})
	}
	return r, nil
}

// DeleteRoute removes a route and its stops. Jobs stay, unrouted.
func (s *Service) DeleteRoute(ctx context.Context, orgID, routeID string) error {
	if err := s.Store.DeleteRoute(ctx, orgID, routeID); err != nil {
		return err
	}
	s.notify(ctx, orgID, routeID, EventRouteDeleted, map[string]any{"routeId": routeID})
	return nil
}

// UpdateJobStatus moves a job along its state machine.
func (s *Service) UpdateJobStatus(ctx context.Context, orgID, jobID string, to model.JobStatus) (model.Job, error) {
	if !to.Valid() {
		return model.Job{}, invalid("status", fmt.Sprintf("unknown job status %q", to))
	}
	cur, err := s.Store.GetJob(ctx, orgID, jobID)
	if err != nil {
		return model.Job{}, err
	}
	if !cur.Status.CanTransition(to) {
		return model.Job{}, fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	j, err := s.Store.UpdateJobStatus(ctx, orgID, jobID, cur.Status, to)
	if err != nil {
		return model.Job{}, err
	}
	s.notify(ctx, orgID, j.RouteID, EventJobStatusChanged, map[string]any{"jobId": j.ID, "routeId": j.RouteID, "from": cur.Status, "to": j.Status})
	return j, nil
}

func (s *Service) modifiable(ctx context.Context, orgID, routeID string) error {
	r, err := s.Store.GetRoute(ctx, orgID, routeID)
	if err != nil {
		return err
	}
	if r.Status == model.RouteCompleted {
		return ErrRouteCompleted
	}
	return nil
}

func (s *Service) algorithm(name string) (string, error) {
	if name == "" {
		name = s.Algorithm
	}
	if name == "" {
		name = opt.AlgoZipStreet
	}
	if !opt.ValidAlgorithm(name) {
		return "", invalid("algorithm", fmt.Sprintf("unknown algorithm %q", name))
	}
	return name, nil
}

func (s *Service) notify(ctx context.Context, orgID, routeID, eventType string, data map[string]any) {
	if s.Notify != nil {
		s.Notify.Notify(ctx, orgID, routeID, eventType, data)
	}
}

func checkJobIDs(ids []string) error {
	if len(ids) == 0 {
		return invalid("jobIds", "at least one job id is required")
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			return invalid("jobIds", "empty job id")
		}
		if seen[id] {
			return invalid("jobIds", fmt.Sprintf("job %s listed twice", id))
		}
		seen[id] = true
	}
	return nil
}

func toStopInputs(jobs []model.JobWithLocation) []opt.StopInput {
	out := make([]opt.StopInput, 0, len(jobs))
	for _, j := range jobs {
		in := opt.StopInput{JobID: j.ID, ZipCode: j.ZipCode, AddressLine1: j.AddressLine1}
		if j.Geo != nil {
			in.Lat, in.Lng, in.HasGeo = j.Geo.Lat, j.Geo.Lng, true
		}
		out = append(out, in)
	}
	return out
}

func jobIDs(stops []opt.StopInput) []string {
	out := make([]string, len(stops))
	for i, st := range stops {
		out[i] = st.JobID
	}
	return out
}
