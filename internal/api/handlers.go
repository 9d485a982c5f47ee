package api

import (
	"net/http"
	"strings"

	"scooproute/internal/model"
)

type activePatch struct {
	Active *bool `json:"active"`
}

func decodeActive(w http.ResponseWriter, r *http.Request) (bool, error) {
	var body activePatch
	if err := decodeJSON(w, r, &body, false); err != nil {
		return false, err
	}
	if body.Active == nil {
		return false, invalid("active", "is required")
	}
	return *body.Active, nil
}

// Clients

func (s *Server) CreateClientHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher")
	if !ok {
		return
	}
	var in model.ClientInput
	if err := decodeJSON(w, r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		s.writeError(w, r, invalid("name", "is required"))
		return
	}
	c, err := s.Store.CreateClient(r.Context(), p.OrgID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) ListClientsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, next, err := s.Store.ListClients(r.Context(), p.OrgID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// PatchClientHandler toggles the client's active flag. Inactive clients get
// no new jobs.
func (s *Server) PatchClientHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher")
	if !ok {
		return
	}
	active, err := decodeActive(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.Store.SetClientActive(r.Context(), p.OrgID, r.PathValue("id"), active)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Locations

func (s *Server) CreateLocationHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher")
	if !ok {
		return
	}
	var in model.LocationInput
	if err := decodeJSON(w, r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(in.AddressLine1) == "" {
		s.writeError(w, r, invalid("addressLine1", "is required"))
		return
	}
	l, err := s.Store.CreateLocation(r.Context(), p.OrgID, r.PathValue("id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) PatchLocationHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher")
	if !ok {
		return
	}
	active, err := decodeActive(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.Store.SetLocationActive(r.Context(), p.OrgID, r.PathValue("id"), active)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Subscriptions

func (s *Server) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher")
	if !ok {
		return
	}
	var in model.SubscriptionInput
	if err := decodeJSON(w, r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateSubscriptionInput(&in); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.Store.CreateSubscription(r.Context(), p.OrgID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, next, err := s.Store.ListSubscriptions(r.Context(), p.OrgID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) PatchSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher")
	if !ok {
		return
	}
	var patch model.SubscriptionPatch
	if err := decodeJSON(w, r, &patch, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateSubscriptionPatch(&patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.Store.PatchSubscription(r.Context(), p.OrgID, r.PathValue("id"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Jobs

// CreateJobHandler handles POST /v1/jobs for ad hoc visits outside any
// recurring cadence.
func (s *Server) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher")
	if !ok {
		return
	}
	var in model.JobInput
	if err := decodeJSON(w, r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateJobInput(&in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}
	if _, set := in.Metadata["source"]; !set {
		in.Metadata["source"] = "manual"
	}
	job, err := s.Store.CreateJob(r.Context(), p.OrgID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// ListJobsHandler handles GET /v1/jobs?date=&status=&routeId=&cursor=&limit=.
func (s *Server) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := model.JobFilter{Date: q.Get("date"), RouteID: q.Get("routeId"), Cursor: q.Get("cursor")}
	if err := checkDate("date", f.Date, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if v := q.Get("status"); v != "" {
		f.Status = model.JobStatus(strings.ToUpper(v))
		if !f.Status.Valid() {
			s.writeError(w, r, invalid("status", "unknown job status "+v))
			return
		}
	}
	limit, err := parseLimit(q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.Limit = limit
	items, next, err := s.Store.ListJobs(r.Context(), p.OrgID, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// PatchJobHandler handles PATCH /v1/jobs/{id} {status}.
func (s *Server) PatchJobHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher", "crew")
	if !ok {
		return
	}
	var body struct {
		Status model.JobStatus `json:"status"`
	}
	if err := decodeJSON(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Status == "" {
		s.writeError(w, r, invalid("status", "is required"))
		return
	}
	job, err := s.Dispatch.UpdateJobStatus(r.Context(), p.OrgID, r.PathValue("id"), model.JobStatus(strings.ToUpper(string(body.Status))))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
