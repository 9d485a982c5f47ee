package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"scooproute/internal/config"
	"scooproute/internal/dispatch"
	"scooproute/internal/model"
	"scooproute/internal/opt"
	"scooproute/internal/schedule"
)

func invalid(field, msg string) error { return &dispatch.ValidationError{Field: field, Msg: msg} }

// parseDaysAhead accepts an empty value (nil, use the configured default)
// or an integer in [0, config.MaxDaysAhead].
func parseDaysAhead(raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, invalid("daysAhead", "must be an integer")
	}
	return checkDaysAhead(&n)
}

func checkDaysAhead(n *int) (*int, error) {
	if n == nil {
		return nil, nil
	}
	if *n < 0 || *n > config.MaxDaysAhead {
		return nil, invalid("daysAhead", fmt.Sprintf("must be between 0 and %d", config.MaxDaysAhead))
	}
	return n, nil
}

func parseLimit(q url.Values) (int, error) {
	v := q.Get("limit")
	if v == "" {
		return 100, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 500 {
		return 0, invalid("limit", "must be between 1 and 500")
	}
	return n, nil
}

func checkDate(field, v string, required bool) error {
	if v == "" {
		if required {
			return invalid(field, "is required")
		}
		return nil
	}
	if _, err := schedule.ParseDate(v); err != nil {
		return invalid(field, "must be YYYY-MM-DD")
	}
	return nil
}

// splitIDs turns "a,b, c" into [a b c], dropping empty entries.
func splitIDs(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateOptimizeRequest(req *model.OptimizeRequest) error {
	if req.Algorithm != "" && !opt.ValidAlgorithm(req.Algorithm) {
		return invalid("algorithm", fmt.Sprintf("unknown algorithm %q", req.Algorithm))
	}
	if req.RouteID == "" {
		if req.Date == "" || len(req.JobIDs) == 0 {
			return invalid("routeId", "routeId or date with jobIds is required")
		}
		return checkDate("date", req.Date, true)
	}
	return nil
}

func validateSubscriptionInput(in *model.SubscriptionInput) error {
	if in.ClientID == "" {
		return invalid("clientId", "is required")
	}
	if in.LocationID == "" {
		return invalid("locationId", "is required")
	}
	in.Frequency = model.Frequency(strings.ToUpper(string(in.Frequency)))
	if !in.Frequency.Valid() {
		return invalid("frequency", fmt.Sprintf("unknown frequency %q", in.Frequency))
	}
	if in.PricePerVisit < 0 {
		return invalid("pricePerVisit", "must not be negative")
	}
	if in.PreferredDay != "" {
		if _, err := schedule.ParseWeekday(in.PreferredDay); err != nil {
			return invalid("preferredDay", err.Error())
		}
	}
	if in.Frequency == model.FrequencyOneTime && in.NextServiceDate == "" {
		return invalid("nextServiceDate", "is required for ONETIME")
	}
	return checkDate("nextServiceDate", in.NextServiceDate, false)
}

func validateSubscriptionPatch(p *model.SubscriptionPatch) error {
	if p.Status != "" {
		p.Status = model.SubscriptionStatus(strings.ToUpper(string(p.Status)))
		if !p.Status.Valid() {
			return invalid("status", fmt.Sprintf("unknown status %q", p.Status))
		}
	}
	if p.PreferredDay != nil && *p.PreferredDay != "" {
		if _, err := schedule.ParseWeekday(*p.PreferredDay); err != nil {
			return invalid("preferredDay", err.Error())
		}
	}
	if p.PricePerVisit != nil && *p.PricePerVisit < 0 {
		return invalid("pricePerVisit", "must not be negative")
	}
	if p.NextServiceDate != nil {
		return checkDate("nextServiceDate", *p.NextServiceDate, false)
	}
	return nil
}

func validateJobInput(in *model.JobInput) error {
	if in.ClientID == "" {
		return invalid("clientId", "is required")
	}
	if in.LocationID == "" {
		return invalid("locationId", "is required")
	}
	if in.Price < 0 {
		return invalid("price", "must not be negative")
	}
	return checkDate("scheduledDate", in.ScheduledDate, true)
}

func validateWebhookRequest(in *model.WebhookRequest) error {
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("url", "must be an absolute http(s) URL")
	}
	if len(in.Events) == 0 {
		return invalid("events", "at least one event type (or \"*\") is required")
	}
	return nil
}
