package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"scooproute/internal/metrics"
	"scooproute/internal/model"
)

// DefaultDaysAhead is the horizon used when a run does not name one.
const DefaultDaysAhead = 7

// JobSink is the storage the materializer needs. Both insert methods are
// insert-if-absent: created is false when the uniqueness key already exists.
type JobSink interface {
	ListSchedulableSubscriptions(ctx context.Context, orgID string) ([]model.SchedulableSubscription, error)
	// InsertScheduledJob is unique on (subscription, scheduled date).
	InsertScheduledJob(ctx context.Context, job model.Job) (created bool, err error)
	// InsertOneTimeJob is unique on the subscription alone.
	InsertOneTimeJob(ctx context.Context, job model.Job) (created bool, err error)
}

// Materializer projects recurring subscriptions onto scheduled jobs.
type Materializer struct {
	Store    JobSink
	Policy   Policy
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time
	// DaysAhead is used when a Request leaves it unset.
	DaysAhead int
}

// Request scopes one run. An empty OrgID covers every organization.
type Request struct {
	OrgID     string
	DaysAhead *int
	Today     time.Time
}

// Result is the aggregate outcome of one run.
type Result struct {
	Success                bool `json:"success"`
	Generated              int  `json:"generated"`
	Skipped                int  `json:"skipped"`
	Errors                 int  `json:"errors"`
	SubscriptionsProcessed int  `json:"subscriptionsProcessed"`
	DaysAhead              int  `json:"daysAhead"`
}

// Run walks every active subscription over the horizon and inserts the
// missing jobs. Per-item failures are counted, logged and skipped; only a
// failure to load subscriptions or a cancelled context ends the run early.
func (m *Materializer) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	days := m.DaysAhead
	if days <= 0 {
		days = DefaultDaysAhead
	}
	if req.DaysAhead != nil {
		days = *req.DaysAhead
	}
	res := Result{DaysAhead: days}

	today := req.Today
	if today.IsZero() {
		today = m.now()
	}
	today = DateOf(today, m.Location)
	log := m.logger().With("org", req.OrgID, "days_ahead", days, "today", FormatDate(today))

	subs, err := m.Store.ListSchedulableSubscriptions(ctx, req.OrgID)
	if err != nil {
		return m.finish(log, res, start, fmt.Errorf("load subscriptions: %w", err))
	}

	var oneTime []model.SchedulableSubscription
	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			return m.finish(log, res, start, err)
		}
		if s.Status != model.SubscriptionActive {
			continue
		}
		if !s.ClientActive || !s.LocationActive {
			res.Skipped++
			res.SubscriptionsProcessed++
			continue
		}
		if s.Frequency == model.FrequencyOneTime {
			oneTime = append(oneTime, s)
			continue
		}
		res.SubscriptionsProcessed++
		m.materializeRecurring(ctx, s.Subscription, today, days, &res)
	}

	for _, s := range oneTime {
		if err := ctx.Err(); err != nil {
			return m.finish(log, res, start, err)
		}
		if s.NextServiceDate == "" {
			continue
		}
		res.SubscriptionsProcessed++
		m.materializeOneTime(ctx, s.Subscription, &res)
	}

	return m.finish(log, res, start, nil)
}

func (m *Materializer) materializeRecurring(ctx context.Context, sub model.Subscription, today time.Time, days int, res *Result) {
	log := m.logger()
	pin, err := PreferredWeekday(sub)
	if err != nil {
		log.Warn("subscription has invalid preferred weekday", "subscription", sub.ID, "err", err)
		res.Errors++
		metrics.MaterializerJobs.WithLabelValues("error").Inc()
		return
	}
	anchor := DateOf(sub.CreatedAt, m.Location)
	for offset := 0; offset <= days; offset++ {
		date := today.AddDate(0, 0, offset)
		if !IsServiceDay(date, sub.Frequency, anchor, pin, m.Policy) {
			continue
		}
		created, err := m.Store.InsertScheduledJob(ctx, newJob(sub, FormatDate(date)))
		m.count(res, sub.ID, FormatDate(date), created, err)
	}
}

func (m *Materializer) materializeOneTime(ctx context.Context, sub model.Subscription, res *Result) {
	date, err := ParseDate(sub.NextServiceDate)
	if err != nil {
		m.count(res, sub.ID, sub.NextServiceDate, false, err)
		return
	}
	created, err := m.Store.InsertOneTimeJob(ctx, newJob(sub, FormatDate(date)))
	m.count(res, sub.ID, FormatDate(date), created, err)
}

func (m *Materializer) count(res *Result, subID, date string, created bool, err error) {
	switch {
	case err != nil:
		res.Errors++
		metrics.MaterializerJobs.WithLabelValues("error").Inc()
		m.logger().Warn("job insert failed", "subscription", subID, "date", date, "err", err)
	case created:
		res.Generated++
		metrics.MaterializerJobs.WithLabelValues("created").Inc()
	default:
		res.Skipped++
		metrics.MaterializerJobs.WithLabelValues("existing").Inc()
	}
}

// finish records the run's duration and outcome and logs the summary. Every
// exit from Run goes through here.
func (m *Materializer) finish(log *slog.Logger, res Result, start time.Time, err error) (Result, error) {
	elapsed := time.Since(start)
	metrics.MaterializerDuration.Observe(elapsed.Seconds())
	attrs := []any{
		"generated", res.Generated, "skipped", res.Skipped, "errors", res.Errors,
		"subscriptions", res.SubscriptionsProcessed, "duration", elapsed,
	}
	if err != nil {
		metrics.MaterializerRuns.WithLabelValues("aborted").Inc()
		log.Warn("materializer run aborted", append(attrs, "err", err)...)
		return res, err
	}
	res.Success = true
	metrics.MaterializerRuns.WithLabelValues("ok").Inc()
	log.Info("materializer run complete", attrs...)
	return res, nil
}

func newJob(sub model.Subscription, date string) model.Job {
	return model.Job{
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		ClientID:       sub.ClientID,
		LocationID:     sub.LocationID,
		ScheduledDate:  date,
		Status:         model.JobScheduled,
		Price:          sub.PricePerVisit,
		Metadata:       map[string]any{"source": "system", "generator": "materializer"},
	}
}

func (m *Materializer) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Materializer) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
