package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"bi-gateway/internal/domain"
)

// Options configures an Aggregator. Zero values take defaults.
type Options struct {
	// Buffer is the hand-off queue length between Record and the consumer.
	Buffer int
	// RecentSize bounds the recent-queries ring.
	RecentSize int
	// Retention is how long hourly buckets and idle callers are kept.
	Retention time.Duration
	// SlowThreshold marks slow queries in the performance view.
	SlowThreshold time.Duration
	// Sink persists every event when set.
	Sink   domain.MetricEventRepository
	Logger *slog.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.RecentSize <= 0 {
		o.RecentSize = 100
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// item is one queued event or a flush marker.
type item struct {
	ev  domain.MetricEvent
	ack chan struct{}
}

// Aggregator folds metric events into in-memory views. Record never waits on
// the queue; views are eventually consistent until Flush returns.
type Aggregator struct {
	opts  Options
	queue chan item
	done  chan struct{}

	// sendMu orders Record against Close so nothing is queued after the
	// consumer drained.
	sendMu sync.RWMutex
	closed bool

	mu       sync.RWMutex
	overall  tally
	users    map[string]*userTally
	hours    map[time.Time]*tally
	hourOf   map[string]time.Time // request ID -> hourly bucket of its event
	piiCols  map[string]int64
	recent   []domain.MetricEvent
	next     int
	hist     *Histogram
	inline   int64
	unstored int64
}

// tally accumulates counts for one view scope.
type tally struct {
	total         int64
	outcomes      map[domain.OutcomeClass]int64
	latencyMs     float64
	confidenceSum float64
	pii           int64
	violations    int64
	cacheHits     int64
}

type userTally struct {
	tally
	role     string
	lastSeen time.Time
}

// New creates an Aggregator and starts its consumer goroutine.
func New(opts Options) *Aggregator {
	opts = opts.withDefaults()
	a := &Aggregator{
		opts:    opts,
		queue:   make(chan item, opts.Buffer),
		done:    make(chan struct{}),
		users:   make(map[string]*userTally),
		hours:   make(map[time.Time]*tally),
		hourOf:  make(map[string]time.Time),
		piiCols: make(map[string]int64),
		recent:  make([]domain.MetricEvent, 0, opts.RecentSize),
		hist:    NewHistogram(opts.SlowThreshold),
	}
	go a.consume()
	return a
}

// Record hands ev to the consumer. When the queue is full, or after Close,
// the event is applied and persisted on the caller's goroutine instead.
func (a *Aggregator) Record(ev domain.MetricEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.opts.Now()
	}
	a.sendMu.RLock()
	if !a.closed {
		select {
		case a.queue <- item{ev: ev}:
			a.sendMu.RUnlock()
			return
		default:
		}
	}
	a.sendMu.RUnlock()

	a.mu.Lock()
	a.inline++
	a.mu.Unlock()
	a.apply(ev)
	a.persist(ev)
}

// Flush waits until every event recorded before the call is applied.
func (a *Aggregator) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	a.sendMu.RLock()
	if a.closed {
		a.sendMu.RUnlock()
		return nil
	}
	select {
	case a.queue <- item{ack: ack}:
		a.sendMu.RUnlock()
	case <-ctx.Done():
		a.sendMu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the consumer. Events recorded after
// Close are applied inline.
func (a *Aggregator) Close(ctx context.Context) error {
	a.sendMu.Lock()
	if a.closed {
		a.sendMu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.sendMu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restore replays events persisted within the retention window, so views
// survive a restart. Replayed events are not written back to the sink.
func (a *Aggregator) Restore(ctx context.Context) (int, error) {
	if a.opts.Sink == nil {
		return 0, nil
	}
	events, err := a.opts.Sink.ListSince(ctx, a.opts.Now().Add(-a.opts.Retention))
	if err != nil {
		return 0, fmt.Errorf("restore metric events: %w", err)
	}
	for _, ev := range events {
		a.apply(ev)
	}
	return len(events), nil
}

func (a *Aggregator) consume() {
	defer close(a.done)
	for it := range a.queue {
		if it.ack != nil {
			close(it.ack)
			continue
		}
		a.apply(it.ev)
		a.persist(it.ev)
	}
}

func (a *Aggregator) persist(ev domain.MetricEvent) {
	if a.opts.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.opts.Sink.Insert(ctx, ev); err != nil {
		a.mu.Lock()
		a.unstored++
		a.mu.Unlock()
		a.opts.Logger.Warn("persist metric event", "request_id", ev.RequestID, "error", err)
	}
}

func (a *Aggregator) apply(ev domain.MetricEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.Supersedes != "" {
		a.supersede(ev)
		return
	}

	u, ok := a.users[ev.CallerID]
	if !ok {
		u = &userTally{}
		a.users[ev.CallerID] = u
	}
	if ev.Role != "" {
		u.role = ev.Role
	}
	if ev.Timestamp.After(u.lastSeen) {
		u.lastSeen = ev.Timestamp
	}
	hour := ev.Timestamp.UTC().Truncate(time.Hour)
	h, ok := a.hours[hour]
	if !ok {
		h = &tally{}
		a.hours[hour] = h
	}
	if ev.RequestID != "" {
		a.hourOf[ev.RequestID] = hour
	}

	a.overall.add(ev)
	u.add(ev)
	h.add(ev)
	for _, c := range ev.PIIColumns {
		a.piiCols[c]++
	}
	if executed(ev.Outcome) {
		a.hist.Observe(ev.Latency)
	}
	if len(a.recent) < a.opts.RecentSize {
		a.recent = append(a.recent, ev)
	} else {
		a.recent[a.next] = ev
	}
	a.next = (a.next + 1) % a.opts.RecentSize
}

// supersede moves one count from ev.Supersedes to ev.Outcome in every scope
// that holds it. The hourly bucket is the one the corrected request landed
// in, not the hour of the correction. Callers hold a.mu.
func (a *Aggregator) supersede(ev domain.MetricEvent) {
	if !a.overall.move(ev.Supersedes, ev.Outcome) {
		a.opts.Logger.Warn("compensating event has nothing to supersede",
			"request_id", ev.RequestID, "supersedes", ev.Supersedes)
		return
	}
	if u, ok := a.users[ev.CallerID]; ok {
		u.move(ev.Supersedes, ev.Outcome)
	}
	hour, ok := a.hourOf[ev.RequestID]
	if !ok {
		hour = ev.Timestamp.UTC().Truncate(time.Hour)
	}
	if h, ok := a.hours[hour]; ok {
		h.move(ev.Supersedes, ev.Outcome)
	}
}

func (t *tally) add(ev domain.MetricEvent) {
	if t.outcomes == nil {
		t.outcomes = make(map[domain.OutcomeClass]int64)
	}
	t.total++
	t.outcomes[ev.Outcome]++
	t.latencyMs += ms(ev.Latency)
	t.confidenceSum += ev.Confidence
	if ev.SecurityIncident() {
		t.pii++
	}
	if ev.SecurityViolation {
		t.violations++
	}
	if ev.CacheHit {
		t.cacheHits++
	}
}

// move reclassifies one event. It reports false when from has no count.
func (t *tally) move(from, to domain.OutcomeClass) bool {
	if t.outcomes[from] == 0 {
		return false
	}
	t.outcomes[from]--
	t.outcomes[to]++
	return true
}

// executed reports whether the outcome reached the database.
func executed(o domain.OutcomeClass) bool {
	switch o {
	case domain.OutcomeSuccess, domain.OutcomeTimeout, domain.OutcomeExecutionFailed:
		return true
	}
	return false
}

// failed reports whether the outcome is an error rather than a decision.
func failed(o domain.OutcomeClass) bool {
	switch o {
	case domain.OutcomeGenerationFailed, domain.OutcomeUnparsable,
		domain.OutcomeTimeout, domain.OutcomeExecutionFailed:
		return true
	}
	return false
}

func ratio(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return round4(float64(n) / float64(total))
}

func avg(sum float64, n int64) float64 {
	if n == 0 {
		return 0
	}
	return round2(sum / float64(n))
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

func copyOutcomes(m map[domain.OutcomeClass]int64) map[domain.OutcomeClass]int64 {
	out := make(map[domain.OutcomeClass]int64, len(m))
	for k, v := range m {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// === Views ===

// Overall summarises every recorded request.
type Overall struct {
	TotalQueries       int64                         `json:"total_queries"`
	Successful         int64                         `json:"successful_queries"`
	SuccessRate        float64                       `json:"success_rate"`
	AvgLatencyMs       float64                       `json:"avg_execution_time_ms"`
	AvgConfidence      float64                       `json:"avg_confidence"`
	PIIIncidents       int64                         `json:"pii_incidents"`
	SecurityViolations int64                         `json:"security_violations"`
	CacheHits          int64                         `json:"cache_hits"`
	ActiveUsers        int                           `json:"active_users"`
	Outcomes           map[domain.OutcomeClass]int64 `json:"outcomes"`
	// InlineApplied counts events applied on the caller because the queue
	// was full or closed; Unpersisted counts events the sink refused.
	InlineApplied int64 `json:"inline_applied"`
	Unpersisted   int64 `json:"unpersisted"`
}

// Overall returns the global view.
func (a *Aggregator) Overall() Overall {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := a.overall
	ok := t.outcomes[domain.OutcomeSuccess]
	return Overall{
		TotalQueries:       t.total,
		Successful:         ok,
		SuccessRate:        ratio(ok, t.total),
		AvgLatencyMs:       avg(t.latencyMs, t.total),
		AvgConfidence:      avg(t.confidenceSum, t.total),
		PIIIncidents:       t.pii,
		SecurityViolations: t.violations,
		CacheHits:          t.cacheHits,
		ActiveUsers:        len(a.users),
		Outcomes:           copyOutcomes(t.outcomes),
		InlineApplied:      a.inline,
		Unpersisted:        a.unstored,
	}
}

// UserStats is the per-caller view.
type UserStats struct {
	CallerID      string                        `json:"user_id"`
	Role          string                        `json:"role,omitempty"`
	TotalQueries  int64                         `json:"total_queries"`
	Successful    int64                         `json:"successful_queries"`
	Failed        int64                         `json:"failed_queries"`
	Rejected      int64                         `json:"rejected_queries"`
	SuccessRate   float64                       `json:"success_rate"`
	PIIIncidents  int64                         `json:"pii_incidents"`
	TotalLatency  float64                       `json:"total_execution_time_ms"`
	AvgConfidence float64                       `json:"avg_confidence"`
	LastSeen      time.Time                     `json:"last_seen"`
	Outcomes      map[domain.OutcomeClass]int64 `json:"outcomes"`
}

// User returns the view for one caller. Unknown callers get a zero view
// and false.
func (a *Aggregator) User(callerID string) (UserStats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	u, ok := a.users[callerID]
	if !ok {
		return UserStats{CallerID: callerID, Outcomes: map[domain.OutcomeClass]int64{}}, false
	}
	var nFailed int64
	for o, n := range u.outcomes {
		if failed(o) {
			nFailed += n
		}
	}
	succ := u.outcomes[domain.OutcomeSuccess]
	return UserStats{
		CallerID:      callerID,
		Role:          u.role,
		TotalQueries:  u.total,
		Successful:    succ,
		Failed:        nFailed,
		Rejected:      u.outcomes[domain.OutcomeRejected],
		SuccessRate:   ratio(succ, u.total),
		PIIIncidents:  u.pii,
		TotalLatency:  round2(u.latencyMs),
		AvgConfidence: avg(u.confidenceSum, u.total),
		LastSeen:      u.lastSeen,
		Outcomes:      copyOutcomes(u.outcomes),
	}, true
}

// ColumnCount is how often a PII column was involved in an incident.
type ColumnCount struct {
	Column string `json:"column"`
	Count  int64  `json:"count"`
}

// Security is the security view.
type Security struct {
	TotalQueries          int64         `json:"total_queries"`
	PIIIncidents          int64         `json:"pii_incidents"`
	SecurityViolations    int64         `json:"security_violations"`
	BlockedQueries        int64         `json:"blocked_queries"`
	PIIIncidentRate       float64       `json:"pii_incident_rate"`
	SecurityViolationRate float64       `json:"security_violation_rate"`
	BlockedRate           float64       `json:"blocked_rate"`
	TopPIIColumns         []ColumnCount `json:"top_pii_columns"`
}

// Security returns the security view. TopPIIColumns is ordered by count
// and then name.
func (a *Aggregator) Security() Security {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := a.overall
	blocked := t.outcomes[domain.OutcomeRejected]
	cols := make([]ColumnCount, 0, len(a.piiCols))
	for c, n := range a.piiCols {
		cols = append(cols, ColumnCount{Column: c, Count: n})
	}
	sort.Slice(cols, func(i, j int) bool {
		if cols[i].Count != cols[j].Count {
			return cols[i].Count > cols[j].Count
		}
		return cols[i].Column < cols[j].Column
	})
	if len(cols) > 10 {
		cols = cols[:10]
	}
	return Security{
		TotalQueries:          t.total,
		PIIIncidents:          t.pii,
		SecurityViolations:    t.violations,
		BlockedQueries:        blocked,
		PIIIncidentRate:       ratio(t.pii, t.total),
		SecurityViolationRate: ratio(t.violations, t.total),
		BlockedRate:           ratio(blocked, t.total),
		TopPIIColumns:         cols,
	}
}

// Performance returns the latency distribution of requests that reached
// the database.
func (a *Aggregator) Performance() Performance {
	return a.hist.Snapshot()
}

// HourlyStat is one hour of activity.
type HourlyStat struct {
	Hour         string    `json:"hour"`
	Start        time.Time `json:"start"`
	Queries      int64     `json:"queries_count"`
	SuccessRate  float64   `json:"success_rate"`
	AvgLatencyMs float64   `json:"avg_execution_time_ms"`
	PIIIncidents int64     `json:"pii_incidents"`
}

// HourKeyLayout formats hourly bucket keys.
const HourKeyLayout = "2006-01-02-15"

// Hourly returns the last n hours up to the current one, oldest first.
// Hours without traffic are included with zero counts.
func (a *Aggregator) Hourly(n int) []HourlyStat {
	if n <= 0 {
		return []HourlyStat{}
	}
	now := a.opts.Now().UTC().Truncate(time.Hour)
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]HourlyStat, 0, n)
	for i := n - 1; i >= 0; i-- {
		start := now.Add(-time.Duration(i) * time.Hour)
		s := HourlyStat{Hour: start.Format(HourKeyLayout), Start: start}
		if h, ok := a.hours[start]; ok {
			s.Queries = h.total
			s.SuccessRate = ratio(h.outcomes[domain.OutcomeSuccess], h.total)
			s.AvgLatencyMs = avg(h.latencyMs, h.total)
			s.PIIIncidents = h.pii
		}
		out = append(out, s)
	}
	return out
}

// RecentQuery is one entry of the recent-queries view.
type RecentQuery struct {
	RequestID  string              `json:"request_id"`
	CallerID   string              `json:"user_id"`
	Question   string              `json:"question"`
	LatencyMs  float64             `json:"execution_time_ms"`
	Confidence float64             `json:"confidence_score"`
	Outcome    domain.OutcomeClass `json:"outcome"`
	Success    bool                `json:"success"`
	Timestamp  time.Time           `json:"timestamp"`
}

const questionPreview = 100

// Recent returns up to n of the latest requests, oldest first.
func (a *Aggregator) Recent(n int) []RecentQuery {
	a.mu.RLock()
	defer a.mu.RUnlock()
	size := len(a.recent)
	if n <= 0 || size == 0 {
		return []RecentQuery{}
	}
	if n > size {
		n = size
	}
	// a.next is the oldest slot once the ring is full
	start := 0
	if size == a.opts.RecentSize {
		start = a.next
	}
	out := make([]RecentQuery, 0, n)
	for i := size - n; i < size; i++ {
		ev := a.recent[(start+i)%size]
		out = append(out, RecentQuery{
			RequestID:  ev.RequestID,
			CallerID:   ev.CallerID,
			Question:   preview(ev.Question),
			LatencyMs:  round2(ms(ev.Latency)),
			Confidence: ev.Confidence,
			Outcome:    ev.Outcome,
			Success:    ev.Outcome == domain.OutcomeSuccess,
			Timestamp:  ev.Timestamp,
		})
	}
	return out
}

func preview(q string) string {
	r := []rune(q)
	if len(r) <= questionPreview {
		return q
	}
	return string(r[:questionPreview]) + "..."
}

// Prune drops hourly buckets and callers idle for longer than the
// retention window. It returns the number of entries removed.
func (a *Aggregator) Prune(now time.Time) int {
	cutoff := now.Add(-a.opts.Retention)
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for hour := range a.hours {
		if hour.Add(time.Hour).Before(cutoff) {
			delete(a.hours, hour)
			removed++
		}
	}
	for id, hour := range a.hourOf {
		if hour.Add(time.Hour).Before(cutoff) {
			delete(a.hourOf, id)
		}
	}
	for id, u := range a.users {
		if u.lastSeen.Before(cutoff) {
			delete(a.users, id)
			removed++
		}
	}
	return removed
}

// Retention returns the configured retention window.
func (a *Aggregator) Retention() time.Duration { return a.opts.Retention }

var _ domain.MetricsRecorder = (*Aggregator)(nil)
