package api

import (
	"net/http"

	"scooproute/internal/model"
)

// Outbound webhook endpoints (admin)

func (s *Server) CreateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r)
	if !ok {
		return
	}
	var req model.WebhookRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateWebhookRequest(&req); err != nil {
		s.writeError(w, r, err)
		return
	}
	hook, err := s.Store.CreateWebhook(r.Context(), p.OrgID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hook.Secret = ""
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) ListWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r)
	if !ok {
		return
	}
	hooks, err := s.Store.ListWebhooks(r.Context(), p.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for i := range hooks {
		hooks[i].Secret = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": hooks})
}

func (s *Server) DeleteWebhookHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r)
	if !ok {
		return
	}
	if err := s.Store.DeleteWebhook(r.Context(), p.OrgID, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Admin: webhook deliveries list and retry
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.OrgID, q.Get("status"), q.Get("cursor"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r)
	if !ok {
		return
	}
	if err := s.Store.RetryWebhookDelivery(r.Context(), p.OrgID, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

// RouteStatsHandler handles GET /v1/admin/routes/stats?date=.
func (s *Server) RouteStatsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireRole(w, r)
	if !ok {
		return
	}
	date := r.URL.Query().Get("date")
	if err := checkDate("date", date, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.Store.RouteStats(r.Context(), p.OrgID, date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
