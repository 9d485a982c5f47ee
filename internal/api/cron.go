package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"scooproute/internal/auth"
	"scooproute/internal/lock"
	"scooproute/internal/schedule"
)

type generateJobsRequest struct {
	DaysAhead *int   `json:"daysAhead,omitempty"`
	OrgID     string `json:"orgId,omitempty"`
}

// GenerateJobsHandler handles POST and GET /v1/cron/generate-jobs. GET takes
// the same fields as query parameters so plain schedulers can call it.
func (s *Server) GenerateJobsHandler(w http.ResponseWriter, r *http.Request) {
	// Authenticate before looking at the input.
	var caller *auth.Principal
	if !s.cronSecretOK(r) {
		p, ok := s.requirePrincipal(w, r)
		if !ok {
			return
		}
		if !p.IsAdmin() || !p.Can("jobs:write") {
			writeProblem(w, http.StatusForbidden, "Forbidden", "cron secret or admin with jobs:write required", r.URL.Path)
			return
		}
		caller = &p
	}

	var req generateJobsRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		n, err := parseDaysAhead(q.Get("daysAhead"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req.DaysAhead, req.OrgID = n, q.Get("orgId")
	} else {
		if err := decodeJSON(w, r, &req, true); err != nil {
			s.writeError(w, r, err)
			return
		}
		if _, err := checkDaysAhead(req.DaysAhead); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if caller != nil {
		if req.OrgID != "" && req.OrgID != caller.OrgID {
			writeProblem(w, http.StatusForbidden, "Forbidden", "orgId must match the caller's organization", r.URL.Path)
			return
		}
		req.OrgID = caller.OrgID
	}

	scope := req.OrgID
	if scope == "" {
		scope = "all"
	}
	release, acquired, err := s.Lock.TryAcquire(r.Context(), "generate-jobs:"+scope, s.Config.Cron.LockTTL)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("acquire run lock: %w", err))
		return
	}
	if !acquired {
		s.writeError(w, r, fmt.Errorf("job generation for %s: %w", scope, lock.ErrNotAcquired))
		return
	}
	defer release()

	res, err := s.Materializer.Run(r.Context(), schedule.Request{OrgID: req.OrgID, DaysAhead: req.DaysAhead})
	if err != nil {
		s.writeError(w, r, fmt.Errorf("generate jobs: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cronSecretOK(r *http.Request) bool {
	want := s.Config.Cron.Secret
	got := r.Header.Get("X-Cron-Secret")
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
