package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"scooproute/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu          sync.Mutex
	clients     map[string]model.Client       // id -> client
	clientsOrg  map[string][]string           // org -> client ids
	locations   map[string]model.Location     // id -> location
	subs        map[string]model.Subscription // id -> subscription
	subsOrg     map[string][]string           // org -> subscription ids
	jobs        map[string]model.Job          // id -> job
	jobsOrg     map[string][]string           // org -> job ids
	jobKeys     map[string]string             // subscription|date -> job id
	oneTimeKeys map[string]string             // subscription -> job id
	routes      map[string]model.Route        // id -> route header (no stops)
	routesOrg   map[string][]string           // org -> route ids
	stops       map[string][]model.RouteStop  // route id -> stops in order
	stopOfJob   map[string]string             // job id -> route id
	hooks       map[string][]model.Webhook    // org -> endpoints
	// Webhooks queue state
	deliveries    map[string]*memDelivery // id -> delivery state
	deliveriesOrg map[string][]string     // org -> delivery ids
	deliveryKeys  map[string]string       // org|event|url|dedup -> delivery id
}

func NewMemory() *Memory {
	return &Memory{
		clients:       map[string]model.Client{},
		clientsOrg:    map[string][]string{},
		locations:     map[string]model.Location{},
		subs:          map[string]model.Subscription{},
		subsOrg:       map[string][]string{},
		jobs:          map[string]model.Job{},
		jobsOrg:       map[string][]string{},
		jobKeys:       map[string]string{},
		oneTimeKeys:   map[string]string{},
		routes:        map[string]model.Route{},
		routesOrg:     map[string][]string{},
		stops:         map[string][]model.RouteStop{},
		stopOfJob:     map[string]string{},
		hooks:         map[string][]model.Webhook{},
		deliveries:    map[string]*memDelivery{},
		deliveriesOrg: map[string][]string{},
		deliveryKeys:  map[string]string{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// page applies the id cursor convention shared by every list call: items
// after cursor, at most limit, next cursor set when more remain.
func page(ids []string, cursor string, limit int) ([]string, string) {
	limit = clampLimit(limit)
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}
	next := ""
	if end < len(ids) {
		next = ids[end-1]
	}
	return ids[start:end], next
}

func activeOr(v *bool, d bool) bool {
	if v == nil {
		return d
	}
	return *v
}

// Clients & locations

func (m *Memory) CreateClient(ctx context.Context, orgID string, in model.ClientInput) (model.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := model.Client{ID: uuid.New().String(), OrgID: orgID, Name: in.Name, Email: in.Email, Phone: in.Phone, Active: activeOr(in.Active, true), CreatedAt: time.Now().UTC()}
	m.clients[c.ID] = c
	m.clientsOrg[orgID] = append(m.clientsOrg[orgID], c.ID)
	return c, nil
}

func (m *Memory) ListClients(ctx context.Context, orgID, cursor string, limit int) ([]model.Client, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, next := page(m.clientsOrg[orgID], cursor, limit)
	out := make([]model.Client, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.clients[id])
	}
	return out, next, nil
}

func (m *Memory) SetClientActive(ctx context.Context, orgID, id string, active bool) (model.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok || c.OrgID != orgID {
		return model.Client{}, ErrNotFound
	}
	c.Active = active
	m.clients[id] = c
	return c, nil
}

func (m *Memory) CreateLocation(ctx context.Context, orgID, clientID string, in model.LocationInput) (model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[clientID]; !ok || c.OrgID != orgID {
		return model.Location{}, ErrNotFound
	}
	l := model.Location{
		ID: uuid.New().String(), OrgID: orgID, ClientID: clientID,
		AddressLine1: in.AddressLine1, AddressLine2: in.AddressLine2, City: in.City, State: in.State,
		ZipCode: in.ZipCode, Geo: in.Geo, GateNotes: in.GateNotes, Active: activeOr(in.Active, true),
	}
	m.locations[l.ID] = l
	return l, nil
}

func (m *Memory) SetLocationActive(ctx context.Context, orgID, id string, active bool) (model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok || l.OrgID != orgID {
		return model.Location{}, ErrNotFound
	}
	l.Active = active
	m.locations[id] = l
	return l, nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, orgID string, in model.SubscriptionInput) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClientLocation(orgID, in.ClientID, in.LocationID); err != nil {
		return model.Subscription{}, err
	}
	created := time.Now().UTC()
	if in.AnchorAt != nil {
		created = in.AnchorAt.UTC()
	}
	s := model.Subscription{
		ID: uuid.New().String(), OrgID: orgID, ClientID: in.ClientID, LocationID: in.LocationID,
		Frequency: in.Frequency, PreferredDay: in.PreferredDay, PricePerVisit: in.PricePerVisit,
		NextServiceDate: in.NextServiceDate, Status: model.SubscriptionActive, CreatedAt: created,
	}
	m.subs[s.ID] = s
	m.subsOrg[orgID] = append(m.subsOrg[orgID], s.ID)
	return s, nil
}

func (m *Memory) checkClientLocation(orgID, clientID, locationID string) error {
	c, ok := m.clients[clientID]
	if !ok || c.OrgID != orgID {
		return fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}
	l, ok := m.locations[locationID]
	if !ok || l.OrgID != orgID || l.ClientID != clientID {
		return fmt.Errorf("location %s: %w", locationID, ErrNotFound)
	}
	return nil
}

func (m *Memory) GetSubscription(ctx context.Context, orgID, id string) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.OrgID != orgID {
		return model.Subscription{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, orgID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, next := page(m.subsOrg[orgID], cursor, limit)
	out := make([]model.Subscription, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.subs[id])
	}
	return out, next, nil
}

func (m *Memory) PatchSubscription(ctx context.Context, orgID, id string, patch model.SubscriptionPatch) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.OrgID != orgID {
		return model.Subscription{}, ErrNotFound
	}
	if patch.Status != "" {
		s.Status = patch.Status
	}
	if patch.PreferredDay != nil {
		s.PreferredDay = *patch.PreferredDay
	}
	if patch.PricePerVisit != nil {
		s.PricePerVisit = *patch.PricePerVisit
	}
	if patch.NextServiceDate != nil {
		s.NextServiceDate = *patch.NextServiceDate
	}
	m.subs[id] = s
	return s, nil
}

func (m *Memory) ListSchedulableSubscriptions(ctx context.Context, orgID string) ([]model.SchedulableSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orgs []string
	if orgID != "" {
		orgs = []string{orgID}
	} else {
		for o := range m.subsOrg {
			orgs = append(orgs, o)
		}
		sort.Strings(orgs)
	}
	out := []model.SchedulableSubscription{}
	for _, o := range orgs {
		for _, id := range m.subsOrg[o] {
			s := m.subs[id]
			if s.Status != model.SubscriptionActive {
				continue
			}
			out = append(out, model.SchedulableSubscription{
				Subscription:   s,
				ClientActive:   m.clients[s.ClientID].Active,
				LocationActive: m.locations[s.LocationID].Active,
			})
		}
	}
	return out, nil
}

// Jobs

func (m *Memory) insertJobLocked(job model.Job) model.Job {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobScheduled
	}
	job.CreatedAt = time.Now().UTC()
	job.RouteID, job.RouteOrder = "", 0
	m.jobs[job.ID] = job
	m.jobsOrg[job.OrgID] = append(m.jobsOrg[job.OrgID], job.ID)
	return job
}

func (m *Memory) InsertScheduledJob(ctx context.Context, job model.Job) (bool, error) {
	if job.SubscriptionID == "" || job.ScheduledDate == "" {
		return false, fmt.Errorf("scheduled job needs subscription and date")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := job.SubscriptionID + "|" + job.ScheduledDate
	if _, exists := m.jobKeys[key]; exists {
		return false, nil
	}
	job = m.insertJobLocked(job)
	m.jobKeys[key] = job.ID
	return true, nil
}

func (m *Memory) InsertOneTimeJob(ctx context.Context, job model.Job) (bool, error) {
	if job.SubscriptionID == "" {
		return false, fmt.Errorf("one-time job needs a subscription")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.oneTimeKeys[job.SubscriptionID]; exists {
		return false, nil
	}
	key := job.SubscriptionID + "|" + job.ScheduledDate
	if _, exists := m.jobKeys[key]; exists {
		return false, nil
	}
	meta := map[string]any{"kind": oneTimeKind}
	for k, v := range job.Metadata {
		meta[k] = v
	}
	job.Metadata = meta
	job = m.insertJobLocked(job)
	m.oneTimeKeys[job.SubscriptionID] = job.ID
	m.jobKeys[key] = job.ID
	return true, nil
}

func (m *Memory) CreateJob(ctx context.Context, orgID string, in model.JobInput) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClientLocation(orgID, in.ClientID, in.LocationID); err != nil {
		return model.Job{}, err
	}
	job := model.Job{OrgID: orgID, SubscriptionID: in.SubscriptionID, ClientID: in.ClientID, LocationID: in.LocationID,
		ScheduledDate: in.ScheduledDate, Status: model.JobScheduled, Price: in.Price, Metadata: in.Metadata}
	if in.SubscriptionID != "" {
		key := in.SubscriptionID + "|" + in.ScheduledDate
		if _, exists := m.jobKeys[key]; exists {
			return model.Job{}, fmt.Errorf("job for subscription on %s: %w", in.ScheduledDate, ErrConflict)
		}
		job = m.insertJobLocked(job)
		m.jobKeys[key] = job.ID
		return job, nil
	}
	return m.insertJobLocked(job), nil
}

// withRoute fills the derived route fields from the stop list.
func (m *Memory) withRoute(j model.Job) model.Job {
	rid, ok := m.stopOfJob[j.ID]
	if !ok {
		return j
	}
	j.RouteID = rid
	for _, s := range m.stops[rid] {
		if s.JobID == j.ID {
			j.RouteOrder = s.StopOrder
		}
	}
	return j
}

func (m *Memory) GetJob(ctx context.Context, orgID, id string) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.OrgID != orgID {
		return model.Job{}, ErrNotFound
	}
	return m.withRoute(j), nil
}

func (m *Memory) ListJobs(ctx context.Context, orgID string, f model.JobFilter) ([]model.Job, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range m.jobsOrg[orgID] {
		j := m.jobs[id]
		if f.Date != "" && j.ScheduledDate != f.Date {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.RouteID != "" && m.stopOfJob[id] != f.RouteID {
			continue
		}
		ids = append(ids, id)
	}
	ids, next := page(ids, f.Cursor, f.Limit)
	out := make([]model.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.withRoute(m.jobs[id]))
	}
	return out, next, nil
}

func (m *Memory) jobWithLocation(j model.Job) model.JobWithLocation {
	l := m.locations[j.LocationID]
	return model.JobWithLocation{Job: m.withRoute(j), AddressLine1: l.AddressLine1, ZipCode: l.ZipCode, Geo: l.Geo}
}

func (m *Memory) GetJobsWithLocation(ctx context.Context, orgID string, ids []string) ([]model.JobWithLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.JobWithLocation, 0, len(ids))
	for _, id := range ids {
		j, ok := m.jobs[id]
		if !ok || j.OrgID != orgID {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		out = append(out, m.jobWithLocation(j))
	}
	return out, nil
}

func (m *Memory) UpdateJobStatus(ctx context.Context, orgID, id string, from, to model.JobStatus) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.OrgID != orgID {
		return model.Job{}, ErrNotFound
	}
	if j.Status != from {
		return model.Job{}, fmt.Errorf("job status is %s: %w", j.Status, ErrConflict)
	}
	j.Status = to
	m.jobs[id] = j
	return m.withRoute(j), nil
}

// Routes

func (m *Memory) CreateRoute(ctx context.Context, orgID string, in model.RouteInput, jobIDs []string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, jid := range jobIDs {
		j, ok := m.jobs[jid]
		if !ok || j.OrgID != orgID {
			return model.Route{}, fmt.Errorf("job %s: %w", jid, ErrNotFound)
		}
		if rid, onRoute := m.stopOfJob[jid]; onRoute {
			return model.Route{}, fmt.Errorf("job %s already on route %s: %w", jid, rid, ErrConflict)
		}
		if seen[jid] {
			return model.Route{}, fmt.Errorf("job %s listed twice: %w", jid, ErrConflict)
		}
		seen[jid] = true
	}
	r := model.Route{ID: uuid.New().String(), OrgID: orgID, Name: in.Name, Date: in.Date, AssignedTo: in.AssignedTo,
		Status: model.RoutePlanned, Version: 1, CreatedAt: time.Now().UTC()}
	m.routes[r.ID] = r
	m.routesOrg[orgID] = append(m.routesOrg[orgID], r.ID)
	stops := make([]model.RouteStop, 0, len(jobIDs))
	for i, jid := range jobIDs {
		stops = append(stops, model.RouteStop{ID: uuid.New().String(), RouteID: r.ID, JobID: jid, StopOrder: i + 1})
		m.stopOfJob[jid] = r.ID
	}
	m.stops[r.ID] = stops
	return m.routeLocked(r.ID), nil
}

// routeLocked assembles a route with its stops and their jobs.
func (m *Memory) routeLocked(id string) model.Route {
	r := m.routes[id]
	r.Stops = make([]model.RouteStop, 0, len(m.stops[id]))
	for _, s := range m.stops[id] {
		jl := m.jobWithLocation(m.jobs[s.JobID])
		s.Job = &jl
		r.Stops = append(r.Stops, s)
	}
	return r
}

func (m *Memory) ownedRoute(orgID, id string) (model.Route, error) {
	r, ok := m.routes[id]
	if !ok || r.OrgID != orgID {
		return model.Route{}, ErrNotFound
	}
	return r, nil
}

// openRoute is ownedRoute for stop writes: a COMPLETED route is frozen.
func (m *Memory) openRoute(orgID, id string) (model.Route, error) {
	r, err := m.ownedRoute(orgID, id)
	if err != nil {
		return r, err
	}
	if r.Status == model.RouteCompleted {
		return model.Route{}, ErrRouteCompleted
	}
	return r, nil
}

func (m *Memory) GetRoute(ctx context.Context, orgID, routeID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.ownedRoute(orgID, routeID); err != nil {
		return model.Route{}, err
	}
	return m.routeLocked(routeID), nil
}

func (m *Memory) ListRoutes(ctx context.Context, orgID, date, cursor string, limit int) ([]model.Route, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range m.routesOrg[orgID] {
		if date == "" || m.routes[id].Date == date {
			ids = append(ids, id)
		}
	}
	ids, next := page(ids, cursor, limit)
	out := make([]model.Route, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.routeLocked(id))
	}
	return out, next, nil
}

func (m *Memory) PatchRoute(ctx context.Context, orgID, routeID string, from model.RouteStatus, patch model.RoutePatch) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.ownedRoute(orgID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if from != "" && r.Status != from {
		return model.Route{}, fmt.Errorf("route status is %s: %w", r.Status, ErrConflict)
	}
	if patch.Name != nil {
		r.Name = *patch.Name
	}
	if patch.AssignedTo != nil {
		r.AssignedTo = *patch.AssignedTo
	}
	if patch.Status != "" {
		r.Status = patch.Status
	}
	r.Version++
	m.routes[routeID] = r
	return m.routeLocked(routeID), nil
}

func (m *Memory) DeleteRoute(ctx context.Context, orgID, routeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.ownedRoute(orgID, routeID)
	if err != nil {
		return err
	}
	if r.Status == model.RouteInProgress {
		return ErrRouteInProgress
	}
	for _, s := range m.stops[routeID] {
		delete(m.stopOfJob, s.JobID)
	}
	delete(m.stops, routeID)
	delete(m.routes, routeID)
	ids := m.routesOrg[orgID]
	out := ids[:0]
	for _, id := range ids {
		if id != routeID {
			out = append(out, id)
		}
	}
	m.routesOrg[orgID] = out
	return nil
}

func (m *Memory) ApplyStopOrder(ctx context.Context, orgID, routeID string, jobIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.openRoute(orgID, routeID)
	if err != nil {
		return err
	}
	cur := m.stops[routeID]
	if len(cur) != len(jobIDs) {
		return fmt.Errorf("route has %d stops, order lists %d: %w", len(cur), len(jobIDs), ErrConflict)
	}
	byJob := make(map[string]model.RouteStop, len(cur))
	for _, s := range cur {
		byJob[s.JobID] = s
	}
	next := make([]model.RouteStop, 0, len(jobIDs))
	for i, jid := range jobIDs {
		s, ok := byJob[jid]
		if !ok {
			return fmt.Errorf("job %s is not on route: %w", jid, ErrConflict)
		}
		delete(byJob, jid)
		s.StopOrder = i + 1
		next = append(next, s)
	}
	m.stops[routeID] = next
	r.Version++
	m.routes[routeID] = r
	return nil
}

func (m *Memory) InsertStop(ctx context.Context, orgID, routeID, jobID string, position int) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.openRoute(orgID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	j, ok := m.jobs[jobID]
	if !ok || j.OrgID != orgID {
		return model.Route{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if rid, onRoute := m.stopOfJob[jobID]; onRoute {
		return model.Route{}, fmt.Errorf("job %s already on route %s: %w", jobID, rid, ErrConflict)
	}
	cur := m.stops[routeID]
	if position <= 0 || position > len(cur)+1 {
		position = len(cur) + 1
	}
	next := make([]model.RouteStop, 0, len(cur)+1)
	for _, s := range cur {
		if s.StopOrder >= position {
			s.StopOrder++
		}
		next = append(next, s)
	}
	next = append(next, model.RouteStop{ID: uuid.New().String(), RouteID: routeID, JobID: jobID, StopOrder: position})
	sort.Slice(next, func(a, b int) bool { return next[a].StopOrder < next[b].StopOrder })
	m.stops[routeID] = next
	m.stopOfJob[jobID] = routeID
	r.Version++
	m.routes[routeID] = r
	return m.routeLocked(routeID), nil
}

func (m *Memory) RemoveStop(ctx context.Context, orgID, routeID, jobID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.openRoute(orgID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	cur := m.stops[routeID]
	removed := 0
	next := make([]model.RouteStop, 0, len(cur))
	for _, s := range cur {
		if s.JobID == jobID {
			removed = s.StopOrder
			continue
		}
		next = append(next, s)
	}
	if removed == 0 {
		return model.Route{}, fmt.Errorf("job %s is not on route: %w", jobID, ErrNotFound)
	}
	for i := range next {
		if next[i].StopOrder > removed {
			next[i].StopOrder--
		}
	}
	m.stops[routeID] = next
	delete(m.stopOfJob, jobID)
	r.Version++
	m.routes[routeID] = r
	return m.routeLocked(routeID), nil
}

func (m *Memory) RouteStats(ctx context.Context, orgID, date string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	routes, stops := 0, 0
	byStatus := map[string]int{}
	for _, id := range m.routesOrg[orgID] {
		if m.routes[id].Date != date {
			continue
		}
		routes++
		stops += len(m.stops[id])
	}
	jobs, unrouted := 0, 0
	for _, id := range m.jobsOrg[orgID] {
		j := m.jobs[id]
		if j.ScheduledDate != date {
			continue
		}
		jobs++
		byStatus[string(j.Status)]++
		if _, ok := m.stopOfJob[id]; !ok {
			unrouted++
		}
	}
	return map[string]any{"date": date, "routes": routes, "stops": stops, "jobs": jobs, "unroutedJobs": unrouted, "jobsByStatus": byStatus}, nil
}

// Webhook endpoints

func (m *Memory) CreateWebhook(ctx context.Context, orgID string, req model.WebhookRequest) (model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := model.Webhook{ID: uuid.New().String(), OrgID: orgID, URL: req.URL, Events: append([]string(nil), req.Events...), Secret: req.Secret}
	m.hooks[orgID] = append(m.hooks[orgID], w)
	return w, nil
}

func (m *Memory) ListWebhooks(ctx context.Context, orgID string) ([]model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Webhook{}, m.hooks[orgID]...), nil
}

func (m *Memory) DeleteWebhook(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hooks := m.hooks[orgID]
	for i, w := range hooks {
		if w.ID == id {
			m.hooks[orgID] = append(hooks[:i:i], hooks[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) GetWebhooksForEvent(ctx context.Context, orgID, eventType string) ([]model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Webhook{}
	for _, w := range m.hooks[orgID] {
		for _, e := range w.Events {
			if e == eventType || e == "*" {
				out = append(out, w)
				break
			}
		}
	}
	return out, nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, orgID, webhookID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := orgID + "|" + eventType + "|" + url + "|" + computeDedupKey(payload)
	if id, dup := m.deliveryKeys[key]; dup {
		return id, nil
	}
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, OrgID: orgID, WebhookID: webhookID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.deliveriesOrg[orgID] = append(m.deliveriesOrg[orgID], id)
	m.deliveryKeys[key] = id
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	orgs := make([]string, 0, len(m.deliveriesOrg))
	for o := range m.deliveriesOrg {
		orgs = append(orgs, o)
	}
	sort.Strings(orgs)
	out := []WebhookDelivery{}
	for _, o := range orgs {
		for _, id := range m.deliveriesOrg[o] {
			d := m.deliveries[id]
			if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
				out = append(out, d.WebhookDelivery)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = "retry"
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, orgID, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range m.deliveriesOrg[orgID] {
		if status == "" || m.deliveries[id].Status == status {
			ids = append(ids, id)
		}
	}
	ids, next := page(ids, cursor, limit)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		d := m.deliveries[id]
		item := map[string]any{"id": d.ID, "webhookId": d.WebhookID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
		if !d.NextAttemptAt.IsZero() && d.Status != "delivered" && d.Status != "failed" {
			item["nextAttemptAt"] = d.NextAttemptAt
		}
		if d.LastError != "" {
			item["lastError"] = d.LastError
		}
		if d.ResponseCode != 0 {
			item["responseCode"] = d.ResponseCode
		}
		if d.DeliveredAt != nil {
			item["deliveredAt"] = *d.DeliveredAt
		}
		out = append(out, item)
	}
	return out, next, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil || d.OrgID != orgID {
		return ErrNotFound
	}
	d.Status = "pending"
	d.NextAttemptAt = time.Now()
	return nil
}
