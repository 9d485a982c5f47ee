package api

import (
	"net/http"
	"time"

	"scooproute/internal/buildinfo"
)

// DebugJSON reports build metadata and the non-secret parts of the running
// configuration.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r); !ok {
		return
	}
	cfg := s.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":                       cfg.Port,
			"authMode":                   cfg.Auth.Mode,
			"timezone":                   cfg.Schedule.Timezone,
			"daysAhead":                  cfg.Schedule.DaysAhead,
			"nonServiceDays":             cfg.Schedule.NonServiceDays,
			"weekdayPinOverridesCadence": cfg.Schedule.WeekdayPinOverridesCadence,
			"rateRps":                    cfg.Rate.RPS,
			"rateBurst":                  cfg.Rate.Burst,
			"webhookMaxAttempts":         cfg.Webhooks.MaxAttempts,
			"hasDatabaseUrl":             cfg.DatabaseURL != "",
			"hasRedisUrl":                cfg.RedisURL != "",
			"hasCronSecret":              cfg.Cron.Secret != "",
		},
	})
}
