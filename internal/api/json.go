package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"scooproute/internal/dispatch"
	"scooproute/internal/lock"
	"scooproute/internal/store"
)

// Problem is an RFC7807 problem details body. Error repeats the detail as a
// plain message for clients that only read one field.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Error    string `json:"error"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	msg := detail
	if msg == "" {
		msg = title
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Error:    msg,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps domain and storage errors onto HTTP statuses. Anything
// unrecognized is logged and reported as 500 without internals.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *dispatch.ValidationError
	switch {
	case errors.As(err, &verr):
		writeProblem(w, http.StatusBadRequest, "Invalid request", verr.Error(), r.URL.Path)
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
	case errors.Is(err, dispatch.ErrRouteCompleted),
		errors.Is(err, dispatch.ErrRouteInProgress),
		errors.Is(err, dispatch.ErrInvalidTransition):
		writeProblem(w, http.StatusBadRequest, "Conflict", err.Error(), r.URL.Path)
	case errors.Is(err, store.ErrConflict), errors.Is(err, lock.ErrNotAcquired):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
	default:
		s.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "internal error", r.URL.Path)
	}
}

const maxBodyBytes = 1 << 20

// decodeJSON reads a JSON body into v. An empty body is accepted when
// optional is true.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return &dispatch.ValidationError{Msg: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}
