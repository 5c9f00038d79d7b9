package protocol

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/metrics"
	"github.com/linchenxuan/openplay/plugin"
	"github.com/linchenxuan/openplay/utils/lifo"
)

// Endpoint cookies. A live endpoint carries CookieLive; finalization stamps
// CookieBad so stale references are rejected.
const (
	CookieLive uint32 = 'O'<<24 | 'P'<<16 | 'L'<<8 | 'Y'
	CookieBad  uint32 = 'b'<<24 | 'a'<<16 | 'd'<<8 | ' '
)

// State is the lifecycle state of an Endpoint.
type State int32

const (
	StateUnknown State = iota
	StateListening
	StateRunning
	StateClosing
	StateClosed
	StateDead
)

var stateNames = [...]string{"Unknown", "Listening", "Running", "Closing", "Closed", "Dead"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Flags records how an endpoint was opened.
type Flags uint32

const (
	FlagActive Flags = 1 << iota
	FlagPassive
	FlagAccepted
)

// Callback receives endpoint events. ctx is the value given to Open or
// AcceptConnection. For HandoffComplete the cookie is the accepted child
// *Endpoint; for the child's AcceptComplete it is the listener *Endpoint.
type Callback func(ep *Endpoint, code plugin.Code, err error, cookie any, ctx any)

// Endpoint is a bound connection or listener.
type Endpoint struct {
	ctx    *Context
	node   *lifo.Node[*Endpoint]
	id     uuid.UUID
	cookie atomic.Uint32
	state  atomic.Int32

	// mu guards the fields below; module callbacks read them concurrently
	// with the application goroutine.
	mu      sync.RWMutex
	binding *plugin.Binding
	conn    plugin.Conn
	// parent is the id of the listener an accepted endpoint came from. It is
	// only a lookup key into the context table.
	parent   uuid.UUID
	callback Callback
	userCtx  any
	flags    Flags
}

// ID returns the endpoint id.
func (ep *Endpoint) ID() uuid.UUID { return ep.id }

// State returns the current lifecycle state.
func (ep *Endpoint) State() State { return State(ep.state.Load()) }

// Cookie returns the stamped cookie.
func (ep *Endpoint) Cookie() uint32 { return ep.cookie.Load() }

// Parent returns the listener id of an accepted endpoint, uuid.Nil otherwise.
func (ep *Endpoint) Parent() uuid.UUID {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.parent
}

// Flags returns the open flags.
func (ep *Endpoint) Flags() Flags {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.flags
}

// Type returns the module type of the endpoint.
func (ep *Endpoint) Type() plugin.Type {
	if b := ep.getBinding(); b != nil {
		return b.Type()
	}
	return 0
}

// Context returns the user context installed at open or accept.
func (ep *Endpoint) Context() any {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.userCtx
}

// Info returns the descriptor of the bound module.
func (ep *Endpoint) Info() plugin.Info {
	if b := ep.getBinding(); b != nil {
		return b.Info()
	}
	return plugin.Info{}
}

func (ep *Endpoint) getBinding() *plugin.Binding {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.binding
}

func (ep *Endpoint) getCallback() (Callback, any) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.callback, ep.userCtx
}

func (ep *Endpoint) setup(b *plugin.Binding, parent uuid.UUID, cb Callback, userCtx any, flags Flags) {
	ep.mu.Lock()
	ep.binding = b
	ep.parent = parent
	ep.callback = cb
	ep.userCtx = userCtx
	ep.flags = flags
	ep.mu.Unlock()
}

func (ep *Endpoint) setConn(c plugin.Conn) {
	ep.mu.Lock()
	ep.conn = c
	ep.mu.Unlock()
}

// adoptConn records conn when a module calls back before Open or Accept has
// returned it.
func (ep *Endpoint) adoptConn(c plugin.Conn) {
	if c == nil {
		return
	}
	ep.mu.Lock()
	if ep.conn == nil {
		ep.conn = c
	}
	ep.mu.Unlock()
}

func (ep *Endpoint) reset() {
	ep.mu.Lock()
	ep.conn = nil
	ep.binding = nil
	ep.parent = uuid.Nil
	ep.callback = nil
	ep.userCtx = nil
	ep.flags = 0
	ep.mu.Unlock()
}

// validate checks the cookie and the module type of the connection handle.
func (ep *Endpoint) validate() (*plugin.Binding, plugin.Conn, error) {
	if ep == nil || ep.cookie.Load() != CookieLive {
		return nil, nil, ErrInvalidEndpoint
	}
	ep.mu.RLock()
	b, conn := ep.binding, ep.conn
	ep.mu.RUnlock()
	if b == nil || conn == nil {
		return nil, nil, ErrInvalidEndpoint
	}
	if conn.Type() != b.Type() {
		return nil, nil, fmt.Errorf("%w: handle %q, module %q", ErrTypeMismatch, conn.Type(), b.Type())
	}
	return b, conn, nil
}

// validateOpen additionally rejects endpoints that are closing or closed.
func (ep *Endpoint) validateOpen() (*plugin.Binding, plugin.Conn, error) {
	b, conn, err := ep.validate()
	if err != nil {
		return nil, nil, err
	}
	switch ep.State() {
	case StateClosing, StateClosed:
		return nil, nil, fmt.Errorf("%w: endpoint is %s", ErrBadState, ep.State())
	}
	return b, conn, nil
}

// Open creates an endpoint for cfg. An active endpoint connects to the
// configured remote; a passive one listens and has any remote address
// cleared from cfg first. No partially opened endpoint is returned on error.
func (c *Context) Open(cfg *Config, cb Callback, userCtx any, active bool) (*Endpoint, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", ErrParam)
	}
	if !active {
		cfg.cfg.ClearRemote()
	}

	b := cfg.binding
	if err := c.registry.Retain(b); err != nil {
		return nil, err
	}
	flags := FlagPassive
	if active {
		flags = FlagActive
	}
	ep := c.allocEndpoint()
	ep.setup(b, uuid.Nil, cb, userCtx, flags)
	// The cookie goes live before the module can call back.
	ep.cookie.Store(CookieLive)
	c.register(ep)

	conn, err := b.Module().Open(cfg.cfg, ep.moduleCallback, active)
	if err == nil && conn == nil {
		err = fmt.Errorf("%w: module returned no connection", plugin.ErrOpenFailed)
	} else if err == nil && conn.Type() != b.Type() {
		// Stamped first so events from the foreign handle are ignored.
		ep.cookie.Store(CookieBad)
		_ = b.Module().Close(conn, false)
		err = fmt.Errorf("%w: handle %q, module %q", ErrTypeMismatch, conn.Type(), b.Type())
	}
	if err != nil {
		c.abandon(ep, b)
		return nil, err
	}

	ep.setConn(conn)
	if active {
		ep.state.CompareAndSwap(int32(StateUnknown), int32(StateRunning))
	} else {
		ep.state.CompareAndSwap(int32(StateUnknown), int32(StateListening))
	}
	metrics.IncrCounterWithDimGroup(metrics.NameEndpointOpenTotal, metrics.GroupOpenPlay, 1, metrics.Dimension{
		metrics.DimModuleType: b.Type().String(),
	})
	log.Debug().Str("endpoint", ep.id.String()).Str("module", b.Type().String()).Bool("active", active).Msg("endpoint opened")
	return ep, nil
}

// abandon undoes a failed open or accept.
func (c *Context) abandon(ep *Endpoint, b *plugin.Binding) {
	ep.cookie.Store(CookieBad)
	ep.state.Store(int32(StateClosed))
	c.unregister(ep)
	c.releaseEndpoint(ep)
	_ = c.registry.Unbind(b)
}

// AcceptConnection accepts the pending connection identified by cookie on
// listener. It must not be called from the listener's own callback; queue
// the cookie and accept from the application goroutine instead. The new
// endpoint shares the listener's module binding.
func (c *Context) AcceptConnection(listener *Endpoint, cookie any, cb Callback, userCtx any) (*Endpoint, error) {
	b, lconn, err := listener.validateOpen()
	if err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", ErrParam)
	}
	if listener.State() != StateListening {
		return nil, fmt.Errorf("%w: endpoint is %s, not listening", ErrBadState, listener.State())
	}
	if err := c.registry.Retain(b); err != nil {
		return nil, err
	}

	ep := c.allocEndpoint()
	ep.setup(b, listener.id, cb, userCtx, FlagPassive|FlagAccepted)
	ep.cookie.Store(CookieLive)
	c.register(ep)

	conn, err := b.Module().Accept(lconn, cookie, ep.moduleCallback)
	if err == nil && conn == nil {
		err = fmt.Errorf("%w: module returned no connection", plugin.ErrOpenFailed)
	}
	if err != nil {
		c.abandon(ep, b)
		return nil, err
	}
	ep.setConn(conn)
	ep.state.CompareAndSwap(int32(StateUnknown), int32(StateRunning))
	metrics.IncrCounterWithDimGroup(metrics.NameEndpointOpenTotal, metrics.GroupOpenPlay, 1, metrics.Dimension{
		metrics.DimModuleType: b.Type().String(),
	})
	return ep, nil
}

// RejectConnection declines the pending connection identified by cookie.
func (c *Context) RejectConnection(listener *Endpoint, cookie any) error {
	b, lconn, err := listener.validateOpen()
	if err != nil {
		return err
	}
	return b.Module().Reject(lconn, cookie)
}

// Close begins closing ep. Closing twice, or closing an endpoint that is
// already closing, returns ErrBadState without calling the module. The
// endpoint is finalized when the module reports CloseComplete.
func (ep *Endpoint) Close(orderly bool) error {
	if ep != nil && ep.cookie.Load() == CookieBad {
		return fmt.Errorf("%w: %w", ErrBadState, ErrInvalidEndpoint)
	}
	b, conn, err := ep.validate()
	if err != nil {
		return err
	}
	for {
		s := ep.state.Load()
		if State(s) == StateClosing || State(s) == StateClosed {
			return fmt.Errorf("%w: endpoint is %s", ErrBadState, State(s))
		}
		if ep.state.CompareAndSwap(s, int32(StateClosing)) {
			break
		}
	}
	if err := b.Module().Close(conn, orderly); err != nil {
		log.Warn().Err(err).Str("endpoint", ep.id.String()).Msg("module close failed")
		ep.finalize()
		return err
	}
	return nil
}

// finalize runs once per endpoint after close completes.
func (ep *Endpoint) finalize() {
	b := ep.getBinding()
	if !ep.cookie.CompareAndSwap(CookieLive, CookieBad) {
		return
	}
	c := ep.ctx
	ep.state.Store(int32(StateClosed))
	c.unregister(ep)
	metrics.IncrCounterWithDimGroup(metrics.NameEndpointCloseTotal, metrics.GroupOpenPlay, 1, metrics.Dimension{
		metrics.DimModuleType: b.Type().String(),
	})
	c.releaseEndpoint(ep)
	if err := c.registry.Unbind(b); err != nil {
		log.Warn().Err(err).Msg("unbind after close failed")
	}
}

// moduleCallback translates module events into endpoint events.
func (ep *Endpoint) moduleCallback(conn plugin.Conn, code plugin.Code, err error, cookie any) {
	if ep.cookie.Load() != CookieLive {
		return
	}
	cb, userCtx := ep.getCallback()
	ep.adoptConn(conn)

	switch code {
	case plugin.CloseComplete:
		ep.deliver(cb, code, err, cookie, userCtx)
		ep.finalize()
		return

	case plugin.AcceptComplete:
		if ep.State() == StateClosing {
			return
		}
		var pc any
		if parent := ep.ctx.Endpoint(ep.Parent()); parent != nil {
			pc = parent
			if parent.cookie.Load() == CookieLive && parent.State() != StateClosing {
				pcb, pctx := parent.getCallback()
				parent.deliver(pcb, plugin.HandoffComplete, err, ep, pctx)
			}
		}
		ep.deliver(cb, plugin.AcceptComplete, err, pc, userCtx)
		return

	case plugin.EndpointDied:
		if ep.State() == StateClosing {
			return
		}
		ep.state.CompareAndSwap(int32(StateRunning), int32(StateDead))
		ep.state.CompareAndSwap(int32(StateListening), int32(StateDead))
	}

	if ep.State() == StateClosing {
		return
	}
	ep.deliver(cb, code, err, cookie, userCtx)
}

func (ep *Endpoint) deliver(cb Callback, code plugin.Code, err error, cookie, userCtx any) {
	if cb == nil {
		return
	}
	metrics.IncrCounterWithDimGroup(metrics.NameEndpointCallbackTotal, metrics.GroupOpenPlay, 1, metrics.Dimension{
		metrics.DimCode: code.String(),
	})
	cb(ep, code, err, cookie, userCtx)
}

// Send writes stream data.
func (ep *Endpoint) Send(data []byte) (int, error) {
	b, conn, err := ep.validateOpen()
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty send", ErrParam)
	}
	return b.Module().Send(conn, data)
}

// Receive reads buffered stream data; ErrNoData when nothing is pending.
func (ep *Endpoint) Receive(buf []byte) (int, error) {
	b, conn, err := ep.validateOpen()
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty receive buffer", ErrParam)
	}
	return b.Module().Receive(conn, buf)
}

// SendDatagram sends one datagram. Payloads larger than the module's max
// packet size fail with ErrTooMuchData and never reach the module.
func (ep *Endpoint) SendDatagram(data []byte) error {
	b, conn, err := ep.validateOpen()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty datagram", ErrParam)
	}
	if limit := b.Info().MaxPacketSize; limit > 0 && len(data) > limit {
		return fmt.Errorf("%w: %d bytes, max %d", ErrTooMuchData, len(data), limit)
	}
	return b.Module().SendDatagram(conn, data)
}

// ReceiveDatagram reads one pending datagram; ErrNoData when none is queued.
func (ep *Endpoint) ReceiveDatagram(buf []byte) (int, error) {
	b, conn, err := ep.validateOpen()
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty receive buffer", ErrParam)
	}
	return b.Module().ReceiveDatagram(conn, buf)
}

// Idle gives the module housekeeping time and reaps doomed wrappers.
func (ep *Endpoint) Idle() error {
	b, conn, err := ep.validate()
	if err != nil {
		return err
	}
	ep.ctx.Reap()
	return b.Module().Idle(conn)
}

// IsAlive reports whether the underlying connection is still usable.
func (ep *Endpoint) IsAlive() bool {
	b, conn, err := ep.validateOpen()
	if err != nil {
		return false
	}
	return b.Module().IsAlive(conn)
}

// SetTimeout sets the module timeout for blocking operations.
func (ep *Endpoint) SetTimeout(d time.Duration) error {
	b, conn, err := ep.validateOpen()
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("%w: negative timeout", ErrParam)
	}
	return b.Module().SetTimeout(conn, d)
}

// EnterNotifier keeps the module from running ep's callback until
// LeaveNotifier. It reports false if the callback is currently running or the
// notifier is already held.
func (ep *Endpoint) EnterNotifier() (bool, error) {
	b, conn, err := ep.validate()
	if err != nil {
		return false, err
	}
	return b.Module().EnterNotifier(conn), nil
}

// LeaveNotifier releases a successful EnterNotifier.
func (ep *Endpoint) LeaveNotifier() error {
	b, conn, err := ep.validate()
	if err != nil {
		return err
	}
	b.Module().LeaveNotifier(conn)
	return nil
}

// FunctionPassThrough invokes a module specific extension.
func (ep *Endpoint) FunctionPassThrough(selector uint32, arg any) (any, error) {
	b, conn, err := ep.validate()
	if err != nil {
		return nil, err
	}
	return b.Module().PassThrough(conn, selector, arg)
}

// StartAdvertising makes a listening endpoint answer enumeration requests.
func (ep *Endpoint) StartAdvertising() error {
	b, conn, err := ep.validateOpen()
	if err != nil {
		return err
	}
	return b.StartAdvertising(conn)
}

// StopAdvertising stops answering enumeration requests.
func (ep *Endpoint) StopAdvertising() error {
	b, conn, err := ep.validate()
	if err != nil {
		return err
	}
	return b.StopAdvertising(conn)
}
