package api

import (
	"net/http"

	"scooproute/internal/model"
)

// OptimizeHandler handles POST /v1/routes/optimize. With routeId it
// resequences that route; with date and jobIds it creates a new one.
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher")
	if !ok {
		return
	}
	var req model.OptimizeRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateOptimizeRequest(&req); err != nil {
		s.writeError(w, r, err)
		return
	}
	route, err := s.Dispatch.Optimize(r.Context(), p.OrgID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// PreviewHandler handles GET /v1/routes/optimize/preview?jobIds=a,b,c.
// Nothing is written.
func (s *Server) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	ids := splitIDs(q.Get("jobIds"))
	stops, err := s.Dispatch.Preview(r.Context(), p.OrgID, ids, q.Get("algorithm"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stops": stops, "count": len(stops)})
}

// RoutesIndexHandler handles GET /v1/routes?date=&cursor=&limit=.
func (s *Server) RoutesIndexHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if err := checkDate("date", q.Get("date"), false); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := parseLimit(q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, next, err := s.Store.ListRoutes(r.Context(), p.OrgID, q.Get("date"), q.Get("cursor"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) GetRouteHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	route, err := s.Store.GetRoute(r.Context(), p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// PatchRouteHandler handles PATCH /v1/routes/{id}. Crews may only move a
// route's status; renaming and reassignment need a dispatcher.
func (s *Server) PatchRouteHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher", "crew")
	if !ok {
		return
	}
	var patch model.RoutePatch
	if err := decodeJSON(w, r, &patch, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.Role == "crew" && (patch.Name != nil || patch.AssignedTo != nil) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "crew may only change route status", r.URL.Path)
		return
	}
	route, err := s.Dispatch.UpdateRoute(r.Context(), p.OrgID, r.PathValue("id"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) DeleteRouteHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher")
	if !ok {
		return
	}
	if err := s.Dispatch.DeleteRoute(r.Context(), p.OrgID, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddStopHandler handles POST /v1/routes/{id}/stops {jobId, position?}.
func (s *Server) AddStopHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher")
	if !ok {
		return
	}
	var req model.StopRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	route, err := s.Dispatch.AddStop(r.Context(), p.OrgID, r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) RemoveStopHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r, "dispatcher")
	if !ok {
		return
	}
	route, err := s.Dispatch.RemoveStop(r.Context(), p.OrgID, r.PathValue("id"), r.PathValue("jobId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}
