package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// timeoutSweepInterval is how often pending requests are checked against
// the configured request timeout.
const timeoutSweepInterval = 5 * time.Second

// ReconnectPolicy controls automatic redial after a lost connection.
// Delays grow exponentially from BaseDelay up to MaxDelay, with a random
// jitter factor of +/- Jitter applied to each one.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultReconnectPolicy returns the policy used when reconnection is
// enabled without explicit tuning.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	return p
}

func (p ReconnectPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*p.Jitter))
	}
	return d
}

// ConnectionBuilder provides a builder pattern for constructing database
// connections.
type ConnectionBuilder struct {
	host             string
	module           string
	token            string
	protocol         Protocol
	timeout          time.Duration
	handshakeTimeout time.Duration
	logger           zerolog.Logger
	header           http.Header
	compression      bool
	reconnect        *ReconnectPolicy
	credentials      *AuthToken

	onConnect           []func(*DbConnection)
	onDisconnect        []func(error)
	onIdentity          []func(*IdentityToken)
	onTransactionUpdate []func(*TransactionUpdate)
	onReducerResult     []func(*ReducerEvent)
}

// NewConnectionBuilder creates a new connection builder with the binary
// protocol, a 30 second request timeout and compression enabled.
func NewConnectionBuilder() *ConnectionBuilder {
	return &ConnectionBuilder{
		protocol:         BinaryProtocol,
		timeout:          defaultRequestTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		logger:           zerolog.Nop(),
		header:           http.Header{},
		compression:      true,
	}
}

// WithHost sets the server address. Bare host:port, http(s) and ws(s)
// URLs are all accepted.
func (b *ConnectionBuilder) WithHost(host string) *ConnectionBuilder {
	b.host = host
	return b
}

// WithModule sets the database module name to subscribe to.
func (b *ConnectionBuilder) WithModule(module string) *ConnectionBuilder {
	b.module = module
	return b
}

// WithToken sets the authentication token. An explicit token takes
// precedence over a credential cache.
func (b *ConnectionBuilder) WithToken(token string) *ConnectionBuilder {
	b.token = token
	return b
}

// WithProtocol selects the wire encoding, TextProtocol or BinaryProtocol.
func (b *ConnectionBuilder) WithProtocol(p Protocol) *ConnectionBuilder {
	b.protocol = p
	return b
}

// WithTimeout sets the timeout applied to tracked requests.
func (b *ConnectionBuilder) WithTimeout(timeout time.Duration) *ConnectionBuilder {
	b.timeout = timeout
	return b
}

// WithHandshakeTimeout bounds the websocket handshake.
func (b *ConnectionBuilder) WithHandshakeTimeout(timeout time.Duration) *ConnectionBuilder {
	b.handshakeTimeout = timeout
	return b
}

// WithLogger sets the logger used by the connection and everything it
// owns. The default logger discards everything.
func (b *ConnectionBuilder) WithLogger(logger zerolog.Logger) *ConnectionBuilder {
	b.logger = logger
	return b
}

// WithHeader adds an HTTP header to the websocket handshake request.
func (b *ConnectionBuilder) WithHeader(key, value string) *ConnectionBuilder {
	b.header.Add(key, value)
	return b
}

// WithCompression controls whether compressed server frames are accepted.
// When disabled, a compressed frame is treated as a protocol failure.
func (b *ConnectionBuilder) WithCompression(enabled bool) *ConnectionBuilder {
	b.compression = enabled
	return b
}

// WithReconnect enables automatic reconnection with the given policy.
// Zero fields fall back to DefaultReconnectPolicy values.
func (b *ConnectionBuilder) WithReconnect(policy ReconnectPolicy) *ConnectionBuilder {
	p := policy.withDefaults()
	b.reconnect = &p
	return b
}

// WithCredentialCache uses the on-disk token cache as the credential
// source. The cached token is loaded at Build and every token issued by
// the server is saved back.
func (b *ConnectionBuilder) WithCredentialCache(at *AuthToken) *ConnectionBuilder {
	b.credentials = at
	return b
}

// OnConnect registers fn to run after every successful connect, including
// reconnects.
func (b *ConnectionBuilder) OnConnect(fn func(*DbConnection)) *ConnectionBuilder {
	b.onConnect = append(b.onConnect, fn)
	return b
}

// OnDisconnect registers fn to run when the connection drops. The error
// is nil after a clean Close.
func (b *ConnectionBuilder) OnDisconnect(fn func(error)) *ConnectionBuilder {
	b.onDisconnect = append(b.onDisconnect, fn)
	return b
}

// OnIdentity registers fn to run when the server assigns an identity.
func (b *ConnectionBuilder) OnIdentity(fn func(*IdentityToken)) *ConnectionBuilder {
	b.onIdentity = append(b.onIdentity, fn)
	return b
}

// OnTransactionUpdate registers fn to run for every transaction update
// the server reports.
func (b *ConnectionBuilder) OnTransactionUpdate(fn func(*TransactionUpdate)) *ConnectionBuilder {
	b.onTransactionUpdate = append(b.onTransactionUpdate, fn)
	return b
}

// OnReducerResult registers fn with the connection's event service.
func (b *ConnectionBuilder) OnReducerResult(fn func(*ReducerEvent)) *ConnectionBuilder {
	b.onReducerResult = append(b.onReducerResult, fn)
	return b
}

// Build creates the configured connection. The connection is not dialed
// until Connect is called.
func (b *ConnectionBuilder) Build() (*DbConnection, error) {
	if b.host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if b.module == "" {
		return nil, fmt.Errorf("module name is required")
	}
	if !b.protocol.Valid() {
		return nil, fmt.Errorf("unsupported protocol %q", string(b.protocol))
	}

	token := b.token
	if token == "" && b.credentials != nil {
		token = b.credentials.GetToken()
	}

	conn := &DbConnection{
		host:             b.host,
		module:           b.module,
		protocol:         b.protocol,
		header:           b.header.Clone(),
		handshakeTimeout: b.handshakeTimeout,
		compression:      b.compression,
		reconnect:        b.reconnect,
		credentials:      b.credentials,
		logger:           b.logger,
		token:            token,

		encoder: NewProtocolEncoder(b.protocol),
		decoder: NewProtocolDecoder(b.protocol),
		tracker: NewRequestTracker(),
		metrics: newConnMetrics(),
		oneOff:  xsync.NewMapOf[string, chan RequestOutcome](),

		onConnect:           b.onConnect,
		onDisconnect:        b.onDisconnect,
		onIdentity:          b.onIdentity,
		onTransactionUpdate: b.onTransactionUpdate,
	}
	conn.tracker.SetTimeout(b.timeout)
	conn.events = NewEventService(b.logger)
	for _, fn := range b.onReducerResult {
		conn.events.OnReducerResult(fn)
	}
	conn.subs = NewSubscriptionManager(conn, &conn.queryGen, &conn.reqGen, b.logger)
	return conn, nil
}

// DbConnection is a live connection to one database module. A single read
// goroutine owns the inbound stream and dispatches every message; writes
// are serialized by the transport.
type DbConnection struct {
	host             string
	module           string
	protocol         Protocol
	header           http.Header
	handshakeTimeout time.Duration
	compression      bool
	reconnect        *ReconnectPolicy
	credentials      *AuthToken
	logger           zerolog.Logger

	encoder  *ProtocolEncoder
	decoder  *ProtocolDecoder
	tracker  *RequestTracker
	reqGen   RequestIDGenerator
	queryGen QueryIDGenerator
	subs     *SubscriptionManager
	events   *EventService
	metrics  *connMetrics
	oneOff   *xsync.MapOf[string, chan RequestOutcome]

	onConnect           []func(*DbConnection)
	onDisconnect        []func(error)
	onIdentity          []func(*IdentityToken)
	onTransactionUpdate []func(*TransactionUpdate)

	mu           sync.Mutex
	transport    *wsTransport
	connected    bool
	closed       bool
	token        string
	identity     Identity
	connectionID ConnectionID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect dials the module's subscribe endpoint and starts the dispatch
// loop. ctx bounds the handshake only; the connection itself lives until
// Close.
func (c *DbConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	token := c.token
	c.mu.Unlock()

	t, err := dialWebSocket(ctx, c.host, c.module, token, c.protocol, c.header, c.handshakeTimeout)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		t.close()
		return ErrClosed
	}
	c.transport = t
	c.connected = true
	c.ctx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readPump(t)
	go c.timeoutSweeper(runCtx)

	c.fireConnect()
	c.logger.Info().
		Str("host", c.host).
		Str("module", c.module).
		Str("protocol", string(c.protocol)).
		Msg("connected")
	return nil
}

// Connected reports whether the connection currently holds a live
// transport.
func (c *DbConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Identity returns the identity assigned by the server, zero before the
// IdentityToken message arrives.
func (c *DbConnection) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// ConnectionID returns the server-assigned connection id.
func (c *DbConnection) ConnectionID() ConnectionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Token returns the current authentication token.
func (c *DbConnection) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Subscriptions returns the subscription manager.
func (c *DbConnection) Subscriptions() *SubscriptionManager {
	return c.subs
}

// SubscriptionBuilder starts a new subscription against this connection.
func (c *DbConnection) SubscriptionBuilder() *SubscriptionBuilder {
	return c.subs.Builder()
}

// Events returns the event service fanning out row and reducer events.
func (c *DbConnection) Events() *EventService {
	return c.events
}

// Metrics returns a snapshot of the connection counters.
func (c *DbConnection) Metrics() ConnectionMetrics {
	return c.metrics.snapshot()
}

// WriteMetrics writes the connection counters in Prometheus text format.
func (c *DbConnection) WriteMetrics(w io.Writer) {
	c.metrics.writePrometheus(w)
}

// Send transmits a raw protocol message. Most callers want CallReducer or
// the subscription builder instead.
func (c *DbConnection) Send(msg *ClientMessage) error {
	return c.sendMessage(msg)
}

func (c *DbConnection) sendMessage(msg *ClientMessage) error {
	c.mu.Lock()
	t := c.transport
	connected := c.connected
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !connected || t == nil {
		return ErrNotConnected
	}

	data, err := c.encoder.EncodeClientMessage(msg)
	if err != nil {
		return err
	}
	if err := t.send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	c.metrics.recordSent(len(data))
	return nil
}

// CallReducer invokes a reducer without waiting for the result and
// returns the request id the acknowledgement will carry. args must
// already be encoded for the connection's protocol, see EncodeArgs.
func (c *DbConnection) CallReducer(ctx context.Context, reducer string, args []byte, flags CallReducerFlags) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id := c.reqGen.Next()
	msg := &ClientMessage{CallReducer: &CallReducer{
		Reducer:   reducer,
		Args:      args,
		RequestID: id,
		Flags:     flags,
	}}
	c.tracker.AddPending(id)
	if err := c.sendMessage(msg); err != nil {
		c.tracker.Fail(id, err)
		return 0, err
	}
	return id, nil
}

// CallReducerSync invokes a reducer and waits for the correlated
// transaction update. The update is returned even when the reducer
// failed; callers inspect its Status.
func (c *DbConnection) CallReducerSync(ctx context.Context, reducer string, args []byte, flags CallReducerFlags) (*TransactionUpdate, error) {
	id := c.reqGen.Next()
	outcome := c.tracker.AddPendingWait(id)
	msg := &ClientMessage{CallReducer: &CallReducer{
		Reducer:   reducer,
		Args:      args,
		RequestID: id,
		Flags:     flags,
	}}
	if err := c.sendMessage(msg); err != nil {
		c.tracker.Fail(id, err)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.tracker.Fail(id, ctx.Err())
		return nil, ctx.Err()
	case out := <-outcome:
		if out.Err != nil {
			return nil, out.Err
		}
		switch resp := out.Response.(type) {
		case *TransactionUpdate:
			return resp, nil
		case *TransactionUpdateLight:
			return &TransactionUpdate{
				Status:      UpdateStatus{Committed: &resp.Update},
				ReducerCall: ReducerCallInfo{RequestID: resp.RequestID},
			}, nil
		default:
			return nil, fmt.Errorf("unexpected reducer response type %T", out.Response)
		}
	}
}

// OneOffQuery runs a single query outside any subscription and waits for
// its result. Correlation uses a random 16 byte message id.
func (c *DbConnection) OneOffQuery(ctx context.Context, query string) (*OneOffQueryResponse, error) {
	id := uuid.New()
	key := string(id[:])
	ch := make(chan RequestOutcome, 1)
	c.oneOff.Store(key, ch)
	defer c.oneOff.Delete(key)

	msg := &ClientMessage{OneOffQuery: &OneOffQuery{
		MessageID:   id[:],
		QueryString: query,
	}}
	if err := c.sendMessage(msg); err != nil {
		return nil, err
	}

	timeout := c.tracker.Timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &TimeoutError{After: timeout}
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Response.(*OneOffQueryResponse), nil
	}
}

// Close cancels all subscriptions, fails pending requests and performs
// the websocket close handshake. Safe to call more than once.
func (c *DbConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.transport
	c.transport = nil
	c.connected = false
	cancel := c.cancel
	c.mu.Unlock()

	c.subs.cancelAll(false)
	c.tracker.FailAll(ErrClosed)
	c.failOneOff(ErrClosed)
	if cancel != nil {
		cancel()
	}

	var err error
	if t != nil {
		err = t.gracefulClose()
	}
	c.wg.Wait()
	c.logger.Info().Msg("connection closed")
	return err
}

// readPump is the single reader and dispatch loop for one transport.
// Routing happens here so delivery order matches the server's stream.
func (c *DbConnection) readPump(t *wsTransport) {
	defer c.wg.Done()
	for {
		data, err := t.receive()
		if err != nil {
			c.handleReadError(t, err)
			return
		}
		c.metrics.recordReceived(len(data))

		frame := data
		if c.protocol.IsBinary() {
			compressed := len(data) > 0 && data[0] != compressionNone
			if compressed && !c.compression {
				c.metrics.decodeFailures.Inc()
				c.failConnection(t, errors.New("received compressed frame but compression is disabled"))
				return
			}
			payload, err := decompressFrame(data)
			if err != nil {
				c.metrics.decodeFailures.Inc()
				c.failConnection(t, fmt.Errorf("decompress frame: %w", err))
				return
			}
			if compressed {
				c.metrics.framesDecompressed.Inc()
			}
			frame = payload
		}

		msg, err := c.decoder.DecodeServerMessage(frame)
		if err != nil {
			c.metrics.decodeFailures.Inc()
			c.failConnection(t, fmt.Errorf("decode server message: %w", err))
			return
		}
		c.dispatch(msg)
	}
}

func (c *DbConnection) dispatch(msg *ServerMessage) {
	switch msg.Type {
	case ServerMessageTypeIdentityToken:
		tok, _ := msg.AsIdentityToken()
		c.handleIdentityToken(tok)
	case ServerMessageTypeInitialSubscription:
		sub, _ := msg.AsInitialSubscription()
		c.tracker.Resolve(sub.RequestID, sub)
		c.events.emitDatabaseUpdate(&sub.DatabaseUpdate)
	case ServerMessageTypeTransactionUpdate:
		tu, _ := msg.AsTransactionUpdate()
		c.handleTransactionUpdate(tu)
	case ServerMessageTypeTransactionUpdateLight:
		light, _ := msg.AsTransactionUpdateLight()
		c.tracker.Resolve(light.RequestID, light)
		c.events.emitDatabaseUpdate(&light.Update)
		c.subs.routeDataUpdate(&light.Update)
	case ServerMessageTypeSubscribeApplied:
		a, _ := msg.AsSubscribeApplied()
		c.tracker.Resolve(a.RequestID, a)
		c.subs.routeApplied(a.QueryID.ID)
		if rows := a.Rows.TableRows; len(rows.Updates) > 0 {
			update := &DatabaseUpdate{Tables: []TableUpdate{rows}}
			c.events.emitDatabaseUpdate(update)
			c.subs.routeDataUpdate(update)
		}
	case ServerMessageTypeUnsubscribeApplied:
		a, _ := msg.AsUnsubscribeApplied()
		c.tracker.Resolve(a.RequestID, a)
		c.subs.routeUnsubscribed(a.QueryID.ID)
	case ServerMessageTypeSubscribeMultiApplied:
		a, _ := msg.AsSubscribeMultiApplied()
		c.tracker.Resolve(a.RequestID, a)
		c.subs.routeApplied(a.QueryID.ID)
		if len(a.Update.Tables) > 0 {
			c.events.emitDatabaseUpdate(&a.Update)
			c.subs.routeDataUpdate(&a.Update)
		}
	case ServerMessageTypeUnsubscribeMultiApplied:
		a, _ := msg.AsUnsubscribeMultiApplied()
		c.tracker.Resolve(a.RequestID, a)
		c.subs.routeUnsubscribed(a.QueryID.ID)
	case ServerMessageTypeSubscriptionError:
		e, _ := msg.AsSubscriptionError()
		c.handleSubscriptionError(e)
	case ServerMessageTypeOneOffQueryResponse:
		resp, _ := msg.AsOneOffQueryResponse()
		c.handleOneOffResponse(resp)
	default:
		c.logger.Debug().Str("type", msg.Type.String()).Msg("ignoring unhandled server message")
	}
}

func (c *DbConnection) handleIdentityToken(tok *IdentityToken) {
	c.mu.Lock()
	c.identity = tok.Identity
	c.connectionID = tok.ConnectionID
	if tok.Token != "" {
		c.token = tok.Token
	}
	c.mu.Unlock()

	if c.credentials != nil && tok.Token != "" {
		if err := c.credentials.SaveToken(tok.Token); err != nil {
			c.logger.Warn().Err(err).Msg("failed to persist auth token")
		}
	}
	for _, fn := range c.onIdentity {
		c.safeFire("on_identity", func() { fn(tok) })
	}
	c.logger.Debug().Str("identity", tok.Identity.Hex()).Msg("identity assigned")
}

func (c *DbConnection) handleTransactionUpdate(tu *TransactionUpdate) {
	if id := tu.ReducerCall.RequestID; id != 0 {
		c.tracker.Resolve(id, tu)
	}
	c.events.emitReducerResult(&ReducerEvent{
		Reducer:   tu.ReducerCall.ReducerName,
		Status:    tu.Status,
		RequestID: tu.ReducerCall.RequestID,
		Energy:    tu.EnergyQuantaUsed,
		Caller:    tu.CallerIdentity,
		Timestamp: tu.Timestamp,
	})
	for _, fn := range c.onTransactionUpdate {
		c.safeFire("on_transaction_update", func() { fn(tu) })
	}
	if tu.Status.Committed != nil {
		c.events.emitDatabaseUpdate(tu.Status.Committed)
		c.subs.routeDataUpdate(tu.Status.Committed)
	}
}

func (c *DbConnection) handleSubscriptionError(e *SubscriptionError) {
	if e.RequestID != nil {
		c.tracker.Fail(*e.RequestID, &ProtocolError{
			Category:  ClassifyError(e.Error),
			Message:   e.Error,
			RequestID: e.RequestID,
			QueryID:   e.QueryID,
		})
	}
	c.subs.routeError(e)
}

func (c *DbConnection) handleOneOffResponse(resp *OneOffQueryResponse) {
	ch, ok := c.oneOff.LoadAndDelete(string(resp.MessageID))
	if !ok {
		c.logger.Debug().Msg("one-off response without a waiter")
		return
	}
	ch <- RequestOutcome{Response: resp}
}

// handleReadError runs when the transport read fails. A clean Close ends
// here too, with the closed flag already set.
func (c *DbConnection) handleReadError(t *wsTransport, err error) {
	c.mu.Lock()
	closed := c.closed
	c.connected = false
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()

	if closed {
		c.fireDisconnect(nil)
		return
	}

	c.logger.Warn().Err(err).Msg("connection lost")
	c.tracker.FailAll(ErrConnectionLost)
	c.failOneOff(ErrConnectionLost)
	c.fireDisconnect(fmt.Errorf("%w: %v", ErrConnectionLost, err))

	if c.reconnect != nil && c.reconnectLoop() {
		return
	}
	c.giveUp()
}

// failConnection tears the connection down after a protocol failure.
// Malformed frames are not retried.
func (c *DbConnection) failConnection(t *wsTransport, cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = false
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()

	c.logger.Error().Err(cause).Msg("closing connection after protocol failure")
	t.close()
	c.tracker.FailAll(ErrConnectionLost)
	c.failOneOff(ErrConnectionLost)
	c.fireDisconnect(cause)
	c.giveUp()
}

// reconnectLoop redials with jittered exponential backoff. On success it
// starts a new read pump and reissues every live subscription.
func (c *DbConnection) reconnectLoop() bool {
	policy := *c.reconnect
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		delay := policy.delay(attempt)
		c.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("reconnecting")

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return false
		}
		token := c.token
		c.mu.Unlock()

		t, err := dialWebSocket(c.ctx, c.host, c.module, token, c.protocol, c.header, c.handshakeTimeout)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			t.close()
			return false
		}
		c.transport = t
		c.connected = true
		c.mu.Unlock()

		c.wg.Add(1)
		go c.readPump(t)
		c.subs.reissueAll()
		c.fireConnect()
		c.logger.Info().Msg("reconnected")
		return true
	}
	c.logger.Error().Int("attempts", policy.MaxAttempts).Msg("reconnect attempts exhausted")
	return false
}

// giveUp ends the connection's useful life without a full Close: every
// subscription is cancelled and the background sweeper stops.
func (c *DbConnection) giveUp() {
	c.subs.cancelAll(false)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// timeoutSweeper evicts requests that outlived the configured timeout.
func (c *DbConnection) timeoutSweeper(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(timeoutSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := c.tracker.CheckTimeouts(); len(ids) > 0 {
				c.logger.Warn().Uints32("request_ids", ids).Msg("requests timed out")
			}
		}
	}
}

func (c *DbConnection) failOneOff(err error) {
	c.oneOff.Range(func(key string, _ chan RequestOutcome) bool {
		if ch, ok := c.oneOff.LoadAndDelete(key); ok {
			ch <- RequestOutcome{Err: err}
		}
		return true
	})
}

func (c *DbConnection) fireConnect() {
	for _, fn := range c.onConnect {
		c.safeFire("on_connect", func() { fn(c) })
	}
}

func (c *DbConnection) fireDisconnect(err error) {
	for _, fn := range c.onDisconnect {
		c.safeFire("on_disconnect", func() { fn(err) })
	}
}

func (c *DbConnection) safeFire(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("callback", name).
				Interface("panic", r).
				Msg("connection callback panicked")
		}
	}()
	fn()
}
