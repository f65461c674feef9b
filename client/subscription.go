package client

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// SubscriptionState tracks a subscription through its lifecycle. Error and
// Cancelled are terminal.
type SubscriptionState int

const (
	SubscriptionStatePending SubscriptionState = iota
	SubscriptionStateActive
	SubscriptionStateRetrying
	SubscriptionStateError
	SubscriptionStateCancelled
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionStatePending:
		return "pending"
	case SubscriptionStateActive:
		return "active"
	case SubscriptionStateRetrying:
		return "retrying"
	case SubscriptionStateError:
		return "error"
	case SubscriptionStateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("SubscriptionState(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can occur.
func (s SubscriptionState) Terminal() bool {
	return s == SubscriptionStateError || s == SubscriptionStateCancelled
}

// SubscriptionStrategy selects how a query set is multiplexed onto wire
// subscriptions.
type SubscriptionStrategy int

const (
	// StrategyAdaptive picks MultiQuery for 2 to 5 queries and SingleQuery
	// otherwise.
	StrategyAdaptive SubscriptionStrategy = iota
	// StrategySingleQuery sends one SubscribeSingle per query, each under
	// its own QueryID.
	StrategySingleQuery
	// StrategyMultiQuery sends one SubscribeMulti carrying every query
	// under one shared QueryID.
	StrategyMultiQuery
)

func (s SubscriptionStrategy) String() string {
	switch s {
	case StrategyAdaptive:
		return "adaptive"
	case StrategySingleQuery:
		return "single_query"
	case StrategyMultiQuery:
		return "multi_query"
	default:
		return fmt.Sprintf("SubscriptionStrategy(%d)", int(s))
	}
}

func resolveStrategy(s SubscriptionStrategy, queryCount int) SubscriptionStrategy {
	if s != StrategyAdaptive {
		return s
	}
	if queryCount >= 2 && queryCount <= 5 {
		return StrategyMultiQuery
	}
	return StrategySingleQuery
}

// RetryPolicy controls resubscription after retryable failures.
type RetryPolicy struct {
	MaxRetries  int
	Backoff     time.Duration
	Exponential bool
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy retries three times with exponential backoff from one
// second, capped at thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		Backoff:     time.Second,
		Exponential: true,
		MaxBackoff:  30 * time.Second,
	}
}

// Delay returns the backoff before retry number attempt, counted from
// zero: Backoff doubled attempt times when exponential, flat otherwise,
// never exceeding MaxBackoff when one is set.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Backoff
	if p.Exponential {
		for i := 0; i < attempt; i++ {
			if p.MaxBackoff > 0 && d >= p.MaxBackoff {
				break
			}
			if d > math.MaxInt64/2 {
				break
			}
			d *= 2
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// SubscriptionMetrics is a point-in-time snapshot of one subscription's
// counters.
type SubscriptionMetrics struct {
	ID          string
	CreatedAt   time.Time
	AppliedAt   time.Time
	QueryCount  int
	ErrorCount  int
	RetryCount  int
	DataUpdates uint64
	LastUpdate  time.Time
}

// SubscriptionFailure records one classified failure of a subscription.
// The wire-level SubscriptionError message that produced it, if any, is
// summarized rather than retained.
type SubscriptionFailure struct {
	Category   ErrorCategory
	Message    string
	QueryID    uint32
	Query      string
	Time       time.Time
	RetryCount int
}

func (f *SubscriptionFailure) Error() string {
	return fmt.Sprintf("subscription failed (%s): %s", f.Category, f.Message)
}

// Forbidden substrings checked by query validation, beyond requiring a
// SELECT statement.
var forbiddenQueryPatterns = []string{";--", "/*", "*/", "xp_", "sp_cmdshell"}

// validateQueries checks every query and returns the complete list of
// violations rather than stopping at the first.
func validateQueries(queries []string) []string {
	var violations []string
	if len(queries) == 0 {
		violations = append(violations, "at least one query is required")
	}
	for i, q := range queries {
		trimmed := strings.TrimSpace(q)
		if trimmed == "" {
			violations = append(violations, fmt.Sprintf("query %d is empty", i))
			continue
		}
		if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
			violations = append(violations, fmt.Sprintf("query %d must be a SELECT statement", i))
		}
		lowered := strings.ToLower(trimmed)
		for _, pattern := range forbiddenQueryPatterns {
			if strings.Contains(lowered, pattern) {
				violations = append(violations, fmt.Sprintf("query %d contains forbidden pattern %q", i, pattern))
			}
		}
	}
	return violations
}

// messageSender is the slice of the connection the subscription layer
// needs: serialize one client message onto the ordered stream.
type messageSender interface {
	sendMessage(msg *ClientMessage) error
}

// SubscriptionManager owns every subscription of one connection and routes
// acknowledgements, errors, and data updates to them by query id.
type SubscriptionManager struct {
	sender   messageSender
	logger   zerolog.Logger
	queryGen *QueryIDGenerator
	reqGen   *RequestIDGenerator

	subs      *xsync.MapOf[string, *Subscription]
	byQueryID *xsync.MapOf[uint32, *Subscription]
}

func NewSubscriptionManager(sender messageSender, queryGen *QueryIDGenerator, reqGen *RequestIDGenerator, logger zerolog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		sender:    sender,
		logger:    logger,
		queryGen:  queryGen,
		reqGen:    reqGen,
		subs:      xsync.NewMapOf[string, *Subscription](),
		byQueryID: xsync.NewMapOf[uint32, *Subscription](),
	}
}

// Builder starts a fluent subscription build bound to this manager.
func (m *SubscriptionManager) Builder() *SubscriptionBuilder {
	return &SubscriptionBuilder{
		manager:  m,
		strategy: StrategyAdaptive,
		timeout:  defaultSubscriptionTimeout,
		policy:   DefaultRetryPolicy(),
	}
}

// Get returns the subscription with the given id.
func (m *SubscriptionManager) Get(id string) (*Subscription, bool) {
	return m.subs.Load(id)
}

// All returns every subscription the manager still tracks.
func (m *SubscriptionManager) All() []*Subscription {
	var out []*Subscription
	m.subs.Range(func(_ string, s *Subscription) bool {
		out = append(out, s)
		return true
	})
	return out
}

// ActiveCount returns the number of subscriptions currently active.
func (m *SubscriptionManager) ActiveCount() int {
	n := 0
	m.subs.Range(func(_ string, s *Subscription) bool {
		if s.State() == SubscriptionStateActive {
			n++
		}
		return true
	})
	return n
}

func (m *SubscriptionManager) register(s *Subscription) {
	m.subs.Store(s.id, s)
	for _, qid := range s.queryIDs {
		m.byQueryID.Store(qid.ID, s)
	}
}

func (m *SubscriptionManager) unregister(s *Subscription) {
	m.subs.Delete(s.id)
	for _, qid := range s.queryIDs {
		m.byQueryID.Delete(qid.ID)
	}
}

// routeApplied delivers a subscribe acknowledgement for one query id.
func (m *SubscriptionManager) routeApplied(queryID uint32) {
	if s, ok := m.byQueryID.Load(queryID); ok {
		s.handleApplied(queryID)
		return
	}
	m.logger.Debug().Uint32("query_id", queryID).Msg("subscribe ack for unknown query id")
}

// routeUnsubscribed confirms an unsubscribe; the query id is dead.
func (m *SubscriptionManager) routeUnsubscribed(queryID uint32) {
	m.byQueryID.Delete(queryID)
}

// routeError delivers a server subscription error. Errors without a query
// id affect the whole connection and go to every live subscription.
func (m *SubscriptionManager) routeError(msg *SubscriptionError) {
	if msg.QueryID != nil {
		if s, ok := m.byQueryID.Load(*msg.QueryID); ok {
			s.handleError(*msg.QueryID, msg.Error)
		} else {
			m.logger.Debug().Uint32("query_id", *msg.QueryID).Str("error", msg.Error).Msg("subscription error for unknown query id")
		}
		return
	}
	m.subs.Range(func(_ string, s *Subscription) bool {
		if !s.State().Terminal() {
			s.handleError(0, msg.Error)
		}
		return true
	})
}

// routeDataUpdate fans table deltas out to every active subscription.
func (m *SubscriptionManager) routeDataUpdate(update *DatabaseUpdate) {
	m.subs.Range(func(_ string, s *Subscription) bool {
		s.handleDataUpdate(update)
		return true
	})
}

// cancelAll moves every live subscription to Cancelled. Unsubscribes are
// only sent when the connection is still usable.
func (m *SubscriptionManager) cancelAll(sendUnsubscribes bool) {
	m.subs.Range(func(_ string, s *Subscription) bool {
		s.cancel(sendUnsubscribes)
		return true
	})
}

// reissueAll replays every non-terminal subscription on a fresh connection.
// Server-side query ids do not survive a reconnect, so each subscription is
// sent again with the ids it already holds.
func (m *SubscriptionManager) reissueAll() {
	m.subs.Range(func(_ string, s *Subscription) bool {
		if err := s.reissue(); err != nil {
			m.logger.Error().
				Err(err).
				Str("subscription_id", s.ID()).
				Msg("failed to reissue subscription after reconnect")
		}
		return true
	})
}

// SubscriptionBuilder assembles a subscription before any message is sent.
// Callbacks fire in registration order.
type SubscriptionBuilder struct {
	manager  *SubscriptionManager
	queries  []string
	strategy SubscriptionStrategy
	timeout  time.Duration
	policy   RetryPolicy

	onApplied             []func(QueryID)
	onError               []func(*SubscriptionFailure)
	onSubscriptionApplied []func()
	onDataUpdate          []func(*DatabaseUpdate)
	onStateChange         []func(old, next SubscriptionState)
}

const defaultSubscriptionTimeout = 30 * time.Second

// Queries appends query strings to subscribe.
func (b *SubscriptionBuilder) Queries(queries ...string) *SubscriptionBuilder {
	b.queries = append(b.queries, queries...)
	return b
}

// Strategy overrides the adaptive strategy selection.
func (b *SubscriptionBuilder) Strategy(s SubscriptionStrategy) *SubscriptionBuilder {
	b.strategy = s
	return b
}

// Timeout bounds how long the subscription may stay pending before the
// wait is treated as a retryable failure.
func (b *SubscriptionBuilder) Timeout(d time.Duration) *SubscriptionBuilder {
	b.timeout = d
	return b
}

// Retry replaces the retry policy.
func (b *SubscriptionBuilder) Retry(p RetryPolicy) *SubscriptionBuilder {
	b.policy = p
	return b
}

// OnApplied registers a callback fired for each acknowledged query id.
func (b *SubscriptionBuilder) OnApplied(fn func(QueryID)) *SubscriptionBuilder {
	b.onApplied = append(b.onApplied, fn)
	return b
}

// OnError registers a callback fired for each classified failure.
func (b *SubscriptionBuilder) OnError(fn func(*SubscriptionFailure)) *SubscriptionBuilder {
	b.onError = append(b.onError, fn)
	return b
}

// OnSubscriptionApplied registers a callback fired once, after every
// constituent query has been acknowledged.
func (b *SubscriptionBuilder) OnSubscriptionApplied(fn func()) *SubscriptionBuilder {
	b.onSubscriptionApplied = append(b.onSubscriptionApplied, fn)
	return b
}

// OnDataUpdate registers a callback fired for table deltas received while
// the subscription is active.
func (b *SubscriptionBuilder) OnDataUpdate(fn func(*DatabaseUpdate)) *SubscriptionBuilder {
	b.onDataUpdate = append(b.onDataUpdate, fn)
	return b
}

// OnStateChange registers a callback fired on every state transition.
func (b *SubscriptionBuilder) OnStateChange(fn func(old, next SubscriptionState)) *SubscriptionBuilder {
	b.onStateChange = append(b.onStateChange, fn)
	return b
}

// Subscribe validates the queries, registers the subscription, and sends
// the subscribe message(s). Validation reports every violation; nothing is
// sent unless all queries pass.
func (b *SubscriptionBuilder) Subscribe() (*Subscription, error) {
	if violations := validateQueries(b.queries); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	strategy := resolveStrategy(b.strategy, len(b.queries))
	s := &Subscription{
		id:       uuid.NewString(),
		manager:  b.manager,
		logger:   b.manager.logger,
		queries:  append([]string(nil), b.queries...),
		strategy: strategy,
		timeout:  b.timeout,
		policy:   b.policy,

		state:      SubscriptionStatePending,
		acked:      make(map[uint32]bool),
		queryForID: make(map[uint32]string),

		onApplied:             b.onApplied,
		onError:               b.onError,
		onSubscriptionApplied: b.onSubscriptionApplied,
		onDataUpdate:          b.onDataUpdate,
		onStateChange:         b.onStateChange,
	}
	s.metrics = SubscriptionMetrics{
		ID:         s.id,
		CreatedAt:  time.Now(),
		QueryCount: len(s.queries),
	}

	switch strategy {
	case StrategyMultiQuery:
		qid := b.manager.queryGen.Next()
		s.queryIDs = []QueryID{qid}
		s.queryForID[qid.ID] = strings.Join(s.queries, "; ")
	default:
		s.queryIDs = make([]QueryID, len(s.queries))
		for i, q := range s.queries {
			qid := b.manager.queryGen.Next()
			s.queryIDs[i] = qid
			s.queryForID[qid.ID] = q
		}
	}

	b.manager.register(s)
	if err := s.sendSubscribes(); err != nil {
		b.manager.unregister(s)
		return nil, err
	}
	s.armTimeout()
	return s, nil
}

// Subscription is a live handle on one subscribed query set.
type Subscription struct {
	id       string
	manager  *SubscriptionManager
	logger   zerolog.Logger
	queries  []string
	strategy SubscriptionStrategy
	timeout  time.Duration
	policy   RetryPolicy

	mu           sync.Mutex
	state        SubscriptionState
	queryIDs     []QueryID
	queryForID   map[uint32]string
	acked        map[uint32]bool
	fullyApplied bool
	retryCount   int
	failures     []*SubscriptionFailure
	metrics      SubscriptionMetrics
	retryTimer   *time.Timer
	timeoutTimer *time.Timer

	onApplied             []func(QueryID)
	onError               []func(*SubscriptionFailure)
	onSubscriptionApplied []func()
	onDataUpdate          []func(*DatabaseUpdate)
	onStateChange         []func(old, next SubscriptionState)
}

// ID returns the subscription's handle id, unique per process.
func (s *Subscription) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Strategy returns the resolved multiplexing strategy.
func (s *Subscription) Strategy() SubscriptionStrategy { return s.strategy }

// Queries returns the subscribed query strings.
func (s *Subscription) Queries() []string {
	return append([]string(nil), s.queries...)
}

// QueryIDs returns the wire query ids this subscription holds.
func (s *Subscription) QueryIDs() []QueryID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueryID(nil), s.queryIDs...)
}

// Metrics returns a snapshot of the subscription's counters.
func (s *Subscription) Metrics() SubscriptionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Failures returns every failure recorded so far, oldest first.
func (s *Subscription) Failures() []*SubscriptionFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*SubscriptionFailure(nil), s.failures...)
}

// Cancel unsubscribes every held query id and moves the subscription to
// Cancelled. Cancelling a terminal subscription is a no-op.
func (s *Subscription) Cancel() error {
	return s.cancel(true)
}

func (s *Subscription) cancel(sendUnsubscribes bool) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	old := s.state
	s.state = SubscriptionStateCancelled
	s.stopTimersLocked()
	ids := append([]QueryID(nil), s.queryIDs...)
	s.mu.Unlock()

	s.notifyStateChange(old, SubscriptionStateCancelled)

	var firstErr error
	if sendUnsubscribes {
		for _, qid := range ids {
			if err := s.sendUnsubscribe(qid); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.manager.unregister(s)
	return firstErr
}

func (s *Subscription) sendUnsubscribe(qid QueryID) error {
	reqID := s.manager.reqGen.Next()
	var msg *ClientMessage
	if s.strategy == StrategyMultiQuery {
		msg = &ClientMessage{UnsubscribeMulti: &UnsubscribeMulti{RequestID: reqID, QueryID: qid}}
	} else {
		msg = &ClientMessage{Unsubscribe: &Unsubscribe{RequestID: reqID, QueryID: qid}}
	}
	return s.manager.sender.sendMessage(msg)
}

func (s *Subscription) sendSubscribes() error {
	if s.strategy == StrategyMultiQuery {
		msg := &ClientMessage{SubscribeMulti: &SubscribeMulti{
			QueryStrings: s.queries,
			RequestID:    s.manager.reqGen.Next(),
			QueryID:      s.queryIDs[0],
		}}
		return s.manager.sender.sendMessage(msg)
	}
	for i, q := range s.queries {
		msg := &ClientMessage{SubscribeSingle: &SubscribeSingle{
			Query:     q,
			RequestID: s.manager.reqGen.Next(),
			QueryID:   s.queryIDs[i],
		}}
		if err := s.manager.sender.sendMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

// armTimeout (re)starts the pending-acknowledgement timer.
func (s *Subscription) armTimeout() {
	if s.timeout <= 0 {
		return
	}
	s.mu.Lock()
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
	s.timeoutTimer = time.AfterFunc(s.timeout, func() {
		state := s.State()
		if state == SubscriptionStatePending || state == SubscriptionStateRetrying {
			s.handleError(0, fmt.Sprintf("subscription timed out after %s", s.timeout))
		}
	})
	s.mu.Unlock()
}

func (s *Subscription) stopTimersLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
		s.timeoutTimer = nil
	}
}

// handleApplied processes a subscribe acknowledgement for one query id.
func (s *Subscription) handleApplied(queryID uint32) {
	s.mu.Lock()
	if s.state.Terminal() || s.acked[queryID] {
		s.mu.Unlock()
		return
	}
	if _, mine := s.queryForID[queryID]; !mine {
		s.mu.Unlock()
		return
	}
	s.acked[queryID] = true
	old := s.state
	s.state = SubscriptionStateActive
	allAcked := len(s.acked) == len(s.queryIDs)
	firstFull := allAcked && !s.fullyApplied
	if firstFull {
		s.fullyApplied = true
		s.metrics.AppliedAt = time.Now()
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if allAcked && s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
		s.timeoutTimer = nil
	}
	s.mu.Unlock()

	if old != SubscriptionStateActive {
		s.notifyStateChange(old, SubscriptionStateActive)
	}
	for _, fn := range s.onApplied {
		s.safeInvoke("on_applied", func() { fn(QueryID{ID: queryID}) })
	}
	if firstFull {
		for _, fn := range s.onSubscriptionApplied {
			s.safeInvoke("on_subscription_applied", func() { fn() })
		}
	}
}

// handleError classifies a failure and either schedules a retry or moves
// the subscription to its terminal Error state.
func (s *Subscription) handleError(queryID uint32, message string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	category := ClassifyError(message)
	failure := &SubscriptionFailure{
		Category:   category,
		Message:    message,
		QueryID:    queryID,
		Query:      s.queryForID[queryID],
		Time:       time.Now(),
		RetryCount: s.retryCount,
	}
	s.failures = append(s.failures, failure)
	s.metrics.ErrorCount++

	retry := category.Retryable() && s.retryCount < s.policy.MaxRetries
	old := s.state
	var delay time.Duration
	if retry {
		delay = s.policy.Delay(s.retryCount)
		s.retryCount++
		s.metrics.RetryCount++
		s.state = SubscriptionStateRetrying
		if s.retryTimer != nil {
			s.retryTimer.Stop()
		}
		s.retryTimer = time.AfterFunc(delay, s.retry)
	} else {
		s.state = SubscriptionStateError
		s.stopTimersLocked()
	}
	next := s.state
	attempt := s.retryCount
	s.mu.Unlock()

	for _, fn := range s.onError {
		s.safeInvoke("on_error", func() { fn(failure) })
	}
	if old != next {
		s.notifyStateChange(old, next)
	}
	if next == SubscriptionStateError {
		s.manager.unregister(s)
	} else {
		s.logger.Debug().
			Str("subscription_id", s.id).
			Str("category", category.String()).
			Dur("delay", delay).
			Int("retry", attempt).
			Msg("subscription retry scheduled")
	}
}

// retry resends the subscribe messages after a backoff delay. Ids are
// unchanged; only fresh request ids are drawn.
func (s *Subscription) retry() {
	if s.State() != SubscriptionStateRetrying {
		return
	}
	if err := s.sendSubscribes(); err != nil {
		s.handleError(0, fmt.Sprintf("resubscribe failed: %s", err))
		return
	}
	s.armTimeout()
}

// reissue replays the subscription on a new connection. Acknowledgements
// from the old connection are discarded and the subscription waits for the
// full set again.
func (s *Subscription) reissue() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	old := s.state
	s.state = SubscriptionStatePending
	s.acked = make(map[uint32]bool)
	s.fullyApplied = false
	s.stopTimersLocked()
	s.mu.Unlock()

	if old != SubscriptionStatePending {
		s.notifyStateChange(old, SubscriptionStatePending)
	}
	if err := s.sendSubscribes(); err != nil {
		return err
	}
	s.armTimeout()
	return nil
}

// handleDataUpdate records and fans out a table delta while active.
func (s *Subscription) handleDataUpdate(update *DatabaseUpdate) {
	s.mu.Lock()
	if s.state != SubscriptionStateActive {
		s.mu.Unlock()
		return
	}
	s.metrics.DataUpdates++
	s.metrics.LastUpdate = time.Now()
	s.mu.Unlock()

	for _, fn := range s.onDataUpdate {
		s.safeInvoke("on_data_update", func() { fn(update) })
	}
}

func (s *Subscription) notifyStateChange(old, next SubscriptionState) {
	for _, fn := range s.onStateChange {
		s.safeInvoke("on_state_change", func() { fn(old, next) })
	}
}

// safeInvoke runs one callback, recovering a panic so later callbacks
// still run.
func (s *Subscription) safeInvoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("subscription_id", s.id).
				Str("callback", name).
				Interface("panic", r).
				Msg("subscription callback panicked")
		}
	}()
	fn()
}
