package client

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []*ClientMessage
	err      error
}

func (f *fakeSender) sendMessage(msg *ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeSender) sent() []*ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ClientMessage(nil), f.messages...)
}

func newTestManager(sender messageSender) *SubscriptionManager {
	var queryGen QueryIDGenerator
	var reqGen RequestIDGenerator
	return NewSubscriptionManager(sender, &queryGen, &reqGen, zerolog.Nop())
}

func waitForState(t *testing.T, s *Subscription, want SubscriptionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func TestValidateQueries(t *testing.T) {
	tests := []struct {
		name       string
		queries    []string
		violations int
	}{
		{"no queries", nil, 1},
		{"valid select", []string{"SELECT * FROM user"}, 0},
		{"lowercase select", []string{"select * from user"}, 0},
		{"leading whitespace", []string{"  SELECT * FROM user"}, 0},
		{"empty string", []string{""}, 1},
		{"not a select", []string{"DELETE FROM user"}, 1},
		{"comment terminator", []string{"SELECT * FROM user ;-- x"}, 1},
		{"block comment", []string{"SELECT /* hidden */ * FROM user"}, 2},
		{"xp procedure", []string{"SELECT * FROM xp_dirtree"}, 1},
		{"cmdshell", []string{"SELECT * FROM sp_cmdshell"}, 1},
		{"mixed batch", []string{"SELECT * FROM user", "", "DROP TABLE user"}, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := validateQueries(tc.queries)
			if len(got) != tc.violations {
				t.Fatalf("violations = %v, want %d of them", got, tc.violations)
			}
		})
	}
}

func TestResolveStrategy(t *testing.T) {
	tests := []struct {
		strategy SubscriptionStrategy
		count    int
		want     SubscriptionStrategy
	}{
		{StrategyAdaptive, 1, StrategySingleQuery},
		{StrategyAdaptive, 2, StrategyMultiQuery},
		{StrategyAdaptive, 5, StrategyMultiQuery},
		{StrategyAdaptive, 6, StrategySingleQuery},
		{StrategySingleQuery, 3, StrategySingleQuery},
		{StrategyMultiQuery, 1, StrategyMultiQuery},
	}
	for _, tc := range tests {
		if got := resolveStrategy(tc.strategy, tc.count); got != tc.want {
			t.Errorf("resolveStrategy(%v, %d) = %v, want %v", tc.strategy, tc.count, got, tc.want)
		}
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	exp := RetryPolicy{MaxRetries: 5, Backoff: time.Second, Exponential: true, MaxBackoff: 8 * time.Second}
	wantExp := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for attempt, want := range wantExp {
		if got := exp.Delay(attempt); got != want {
			t.Errorf("exponential Delay(%d) = %v, want %v", attempt, got, want)
		}
	}

	flat := RetryPolicy{MaxRetries: 3, Backoff: 500 * time.Millisecond}
	for attempt := 0; attempt < 4; attempt++ {
		if got := flat.Delay(attempt); got != 500*time.Millisecond {
			t.Errorf("flat Delay(%d) = %v", attempt, got)
		}
	}

	uncapped := RetryPolicy{Backoff: time.Second, Exponential: true}
	if got := uncapped.Delay(3); got != 8*time.Second {
		t.Errorf("uncapped Delay(3) = %v, want 8s", got)
	}
	// Huge attempt counts must not overflow into a negative duration.
	if got := uncapped.Delay(200); got <= 0 {
		t.Errorf("Delay(200) = %v, want positive", got)
	}
}

func TestSubscribeRejectsInvalidQueries(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	_, err := m.Builder().Queries("DROP TABLE user").Subscribe()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if len(sender.sent()) != 0 {
		t.Fatalf("messages sent despite validation failure: %d", len(sender.sent()))
	}
	if len(m.All()) != 0 {
		t.Fatal("invalid subscription was registered")
	}
}

func TestSubscribeSingleQueryMessages(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	sub, err := m.Builder().Queries("SELECT * FROM user").Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if sub.Strategy() != StrategySingleQuery {
		t.Fatalf("strategy = %v", sub.Strategy())
	}
	if sub.State() != SubscriptionStatePending {
		t.Fatalf("state = %v, want pending", sub.State())
	}

	msgs := sender.sent()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	single := msgs[0].SubscribeSingle
	if single == nil {
		t.Fatalf("message is not SubscribeSingle: %+v", msgs[0])
	}
	if single.Query != "SELECT * FROM user" {
		t.Errorf("query = %q", single.Query)
	}
	if single.RequestID == 0 || single.QueryID.ID == 0 {
		t.Errorf("ids not assigned: %+v", single)
	}
	if got, ok := m.Get(sub.ID()); !ok || got != sub {
		t.Error("manager does not track the subscription")
	}
}

func TestSubscribeMultiQueryMessages(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)
	queries := []string{"SELECT * FROM user", "SELECT * FROM message", "SELECT * FROM presence"}

	sub, err := m.Builder().Queries(queries...).Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if sub.Strategy() != StrategyMultiQuery {
		t.Fatalf("strategy = %v, want multi for 3 queries", sub.Strategy())
	}
	msgs := sender.sent()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	multi := msgs[0].SubscribeMulti
	if multi == nil {
		t.Fatalf("message is not SubscribeMulti: %+v", msgs[0])
	}
	if len(multi.QueryStrings) != 3 {
		t.Errorf("query strings = %v", multi.QueryStrings)
	}
	if ids := sub.QueryIDs(); len(ids) != 1 || ids[0] != multi.QueryID {
		t.Errorf("query ids = %v, message id = %v", ids, multi.QueryID)
	}
}

func TestSubscribeManyQueriesFallBackToSingle(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)
	queries := make([]string, 6)
	for i := range queries {
		queries[i] = "SELECT * FROM user"
	}

	sub, err := m.Builder().Queries(queries...).Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if sub.Strategy() != StrategySingleQuery {
		t.Fatalf("strategy = %v, want single for 6 queries", sub.Strategy())
	}
	if msgs := sender.sent(); len(msgs) != 6 {
		t.Fatalf("sent %d messages, want 6", len(msgs))
	}
	ids := sub.QueryIDs()
	seen := make(map[uint32]bool)
	for _, qid := range ids {
		if seen[qid.ID] {
			t.Fatalf("duplicate query id %d", qid.ID)
		}
		seen[qid.ID] = true
	}
}

func TestSubscribeSendFailureUnregisters(t *testing.T) {
	sender := &fakeSender{err: ErrNotConnected}
	m := newTestManager(sender)

	_, err := m.Builder().Queries("SELECT * FROM user").Subscribe()
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
	if len(m.All()) != 0 {
		t.Fatal("failed subscription left registered")
	}
}

func TestHandleAppliedLifecycle(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	var (
		mu         sync.Mutex
		appliedIDs []uint32
		fullCount  int
		changes    []SubscriptionState
	)
	sub, err := m.Builder().
		Queries("SELECT * FROM user", "SELECT * FROM message").
		Strategy(StrategySingleQuery).
		OnApplied(func(qid QueryID) {
			mu.Lock()
			appliedIDs = append(appliedIDs, qid.ID)
			mu.Unlock()
		}).
		OnSubscriptionApplied(func() {
			mu.Lock()
			fullCount++
			mu.Unlock()
		}).
		OnStateChange(func(_, next SubscriptionState) {
			mu.Lock()
			changes = append(changes, next)
			mu.Unlock()
		}).
		Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	ids := sub.QueryIDs()
	if len(ids) != 2 {
		t.Fatalf("query ids = %v", ids)
	}

	m.routeApplied(ids[0].ID)
	if sub.State() != SubscriptionStateActive {
		t.Fatalf("state after first ack = %v", sub.State())
	}
	mu.Lock()
	if fullCount != 0 {
		t.Fatalf("fully applied after one of two acks")
	}
	mu.Unlock()

	// A duplicate ack is inert.
	m.routeApplied(ids[0].ID)
	m.routeApplied(ids[1].ID)

	mu.Lock()
	defer mu.Unlock()
	if len(appliedIDs) != 2 {
		t.Fatalf("on_applied fired %d times, want 2", len(appliedIDs))
	}
	if fullCount != 1 {
		t.Fatalf("on_subscription_applied fired %d times, want 1", fullCount)
	}
	if len(changes) != 1 || changes[0] != SubscriptionStateActive {
		t.Fatalf("state changes = %v", changes)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d", m.ActiveCount())
	}
}

func TestSubscriptionErrorRetriesThenApplies(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	sub, err := m.Builder().
		Queries("SELECT * FROM user").
		Timeout(time.Minute).
		Retry(RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond}).
		Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	qid := sub.QueryIDs()[0].ID
	msg := &SubscriptionError{QueryID: &qid, Error: "request timeout"}
	m.routeError(msg)

	waitForState(t, sub, SubscriptionStateRetrying)

	// The retry resends the subscribe under the same query id.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sender.sent()) < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	msgs := sender.sent()
	if len(msgs) < 2 {
		t.Fatalf("no resubscribe sent, messages = %d", len(msgs))
	}
	resent := msgs[1].SubscribeSingle
	if resent == nil || resent.QueryID.ID != qid {
		t.Fatalf("resubscribe = %+v, want query id %d", msgs[1], qid)
	}

	m.routeApplied(qid)
	waitForState(t, sub, SubscriptionStateActive)

	metrics := sub.Metrics()
	if metrics.ErrorCount != 1 || metrics.RetryCount != 1 {
		t.Fatalf("metrics = %+v", metrics)
	}
	failures := sub.Failures()
	if len(failures) != 1 || failures[0].Category != CategoryTimeout {
		t.Fatalf("failures = %+v", failures)
	}
}

func TestSubscriptionErrorTerminalOnParseFailure(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	var failure atomic.Pointer[SubscriptionFailure]
	sub, err := m.Builder().
		Queries("SELECT * FROM user").
		OnError(func(f *SubscriptionFailure) { failure.Store(f) }).
		Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	qid := sub.QueryIDs()[0].ID
	m.routeError(&SubscriptionError{QueryID: &qid, Error: "failed to parse query"})

	if sub.State() != SubscriptionStateError {
		t.Fatalf("state = %v, want error", sub.State())
	}
	f := failure.Load()
	if f == nil || f.Category != CategoryParse {
		t.Fatalf("failure = %+v", f)
	}
	if f.Query != "SELECT * FROM user" {
		t.Errorf("failure query = %q", f.Query)
	}
	if _, ok := m.Get(sub.ID()); ok {
		t.Error("terminal subscription still registered")
	}
}

func TestSubscriptionRetriesExhaust(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	sub, err := m.Builder().
		Queries("SELECT * FROM user").
		Timeout(time.Minute).
		Retry(RetryPolicy{MaxRetries: 1, Backoff: time.Millisecond}).
		Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	qid := sub.QueryIDs()[0].ID
	m.routeError(&SubscriptionError{QueryID: &qid, Error: "request timeout"})
	waitForState(t, sub, SubscriptionStateRetrying)

	// Second failure exceeds MaxRetries and is terminal.
	m.routeError(&SubscriptionError{QueryID: &qid, Error: "request timeout"})
	waitForState(t, sub, SubscriptionStateError)

	if got := len(sub.Failures()); got != 2 {
		t.Fatalf("failures = %d, want 2", got)
	}
}

func TestErrorWithoutQueryIDReachesEverySubscription(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	var count atomic.Int32
	for i := 0; i < 2; i++ {
		_, err := m.Builder().
			Queries("SELECT * FROM user").
			OnError(func(*SubscriptionFailure) { count.Add(1) }).
			Subscribe()
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	m.routeError(&SubscriptionError{Error: "permission denied"})
	if count.Load() != 2 {
		t.Fatalf("on_error fired %d times, want 2", count.Load())
	}
}

func TestCancelSendsUnsubscribes(t *testing.T) {
	tests := []struct {
		name     string
		strategy SubscriptionStrategy
		queries  []string
		isMulti  bool
	}{
		{"single", StrategySingleQuery, []string{"SELECT * FROM user"}, false},
		{"multi", StrategyMultiQuery, []string{"SELECT * FROM user", "SELECT * FROM message"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{}
			m := newTestManager(sender)

			sub, err := m.Builder().Queries(tc.queries...).Strategy(tc.strategy).Subscribe()
			if err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}
			before := len(sender.sent())

			if err := sub.Cancel(); err != nil {
				t.Fatalf("Cancel failed: %v", err)
			}
			if sub.State() != SubscriptionStateCancelled {
				t.Fatalf("state = %v", sub.State())
			}

			msgs := sender.sent()[before:]
			if len(msgs) != 1 {
				t.Fatalf("unsubscribes sent = %d, want 1", len(msgs))
			}
			if tc.isMulti && msgs[0].UnsubscribeMulti == nil {
				t.Fatalf("message = %+v, want UnsubscribeMulti", msgs[0])
			}
			if !tc.isMulti && msgs[0].Unsubscribe == nil {
				t.Fatalf("message = %+v, want Unsubscribe", msgs[0])
			}

			// A second cancel is a no-op.
			if err := sub.Cancel(); err != nil {
				t.Fatalf("second Cancel failed: %v", err)
			}
			if got := len(sender.sent()[before:]); got != 1 {
				t.Fatalf("second cancel sent more messages: %d", got)
			}
			if _, ok := m.Get(sub.ID()); ok {
				t.Error("cancelled subscription still registered")
			}
		})
	}
}

func TestCancelAllWithoutSocket(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	sub, err := m.Builder().Queries("SELECT * FROM user").Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	before := len(sender.sent())

	m.cancelAll(false)

	if sub.State() != SubscriptionStateCancelled {
		t.Fatalf("state = %v", sub.State())
	}
	if got := len(sender.sent()); got != before {
		t.Fatalf("cancelAll(false) sent %d messages", got-before)
	}
}

func TestReissueReplaysSubscription(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	var fullCount atomic.Int32
	sub, err := m.Builder().
		Queries("SELECT * FROM user").
		OnSubscriptionApplied(func() { fullCount.Add(1) }).
		Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	qid := sub.QueryIDs()[0].ID
	m.routeApplied(qid)
	if fullCount.Load() != 1 {
		t.Fatalf("full applied count = %d", fullCount.Load())
	}

	m.reissueAll()

	if sub.State() != SubscriptionStatePending {
		t.Fatalf("state after reissue = %v, want pending", sub.State())
	}
	msgs := sender.sent()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want original subscribe plus reissue", len(msgs))
	}
	reissued := msgs[1].SubscribeSingle
	if reissued == nil || reissued.QueryID.ID != qid {
		t.Fatalf("reissued message = %+v, want query id %d", msgs[1], qid)
	}

	// The fresh ack counts as a full application again.
	m.routeApplied(qid)
	if sub.State() != SubscriptionStateActive {
		t.Fatalf("state after re-ack = %v", sub.State())
	}
	if fullCount.Load() != 2 {
		t.Fatalf("full applied count after reissue = %d, want 2", fullCount.Load())
	}
}

func TestReissueSkipsTerminalSubscriptions(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	sub, err := m.Builder().Queries("SELECT * FROM user").Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	sub.cancel(false)
	before := len(sender.sent())

	if err := sub.reissue(); err != nil {
		t.Fatalf("reissue on cancelled subscription: %v", err)
	}
	if got := len(sender.sent()); got != before {
		t.Fatalf("cancelled subscription was reissued")
	}
}

func TestDataUpdateOnlyWhileActive(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	var updates atomic.Int32
	sub, err := m.Builder().
		Queries("SELECT * FROM user").
		OnDataUpdate(func(*DatabaseUpdate) { updates.Add(1) }).
		Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	update := &DatabaseUpdate{Tables: []TableUpdate{{TableName: "user", NumRows: 1}}}

	m.routeDataUpdate(update)
	if updates.Load() != 0 {
		t.Fatal("data update delivered while pending")
	}

	m.routeApplied(sub.QueryIDs()[0].ID)
	m.routeDataUpdate(update)
	if updates.Load() != 1 {
		t.Fatalf("data updates = %d, want 1", updates.Load())
	}
	if metrics := sub.Metrics(); metrics.DataUpdates != 1 {
		t.Fatalf("metrics.DataUpdates = %d", metrics.DataUpdates)
	}
}

func TestCallbackPanicDoesNotStopOthers(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	var second atomic.Bool
	sub, err := m.Builder().
		Queries("SELECT * FROM user").
		OnApplied(func(QueryID) { panic("first callback") }).
		OnApplied(func(QueryID) { second.Store(true) }).
		Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	m.routeApplied(sub.QueryIDs()[0].ID)
	if !second.Load() {
		t.Fatal("second callback did not run after the first panicked")
	}
}

func TestSubscriptionTimeoutWithoutAck(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	sub, err := m.Builder().
		Queries("SELECT * FROM user").
		Timeout(5 * time.Millisecond).
		Retry(RetryPolicy{MaxRetries: 0}).
		Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	waitForState(t, sub, SubscriptionStateError)

	failures := sub.Failures()
	if len(failures) != 1 {
		t.Fatalf("failures = %+v", failures)
	}
	if !strings.Contains(failures[0].Message, "timed out") {
		t.Fatalf("failure message = %q", failures[0].Message)
	}
}

func TestRouteUnsubscribedDropsQueryID(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender)

	sub, err := m.Builder().Queries("SELECT * FROM user").Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	qid := sub.QueryIDs()[0].ID
	m.routeUnsubscribed(qid)

	// Later acks for the released id must not reach the subscription.
	m.routeApplied(qid)
	if sub.State() != SubscriptionStatePending {
		t.Fatalf("state = %v, want pending", sub.State())
	}
}
