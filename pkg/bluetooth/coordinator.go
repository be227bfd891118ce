package bluetooth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultRetryDelay is how long the coordinator waits before trying to advertise again
const DefaultRetryDelay = 10 * time.Second

// StackFactory opens the transport and returns a stack bound to it
type StackFactory func() (Stack, error)

// StateObserver is called after every state transition. Changes are delivered
// one at a time in transition order, possibly from a different goroutine than
// the one that made the transition.
type StateObserver func(change StateChange)

// FailureObserver is called when pairing fails on a connection. err wraps
// ErrPairingComparisonRejected or ErrPairingFailedRemote.
type FailureObserver func(connID string, err error)

// Option configures a Coordinator
type Option func(*Coordinator)

// WithRetryDelay overrides DefaultRetryDelay
func WithRetryDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.retryDelay = d }
}

// WithScheduler replaces the time.AfterFunc based scheduler used for retries
func WithScheduler(s Scheduler) Option {
	return func(c *Coordinator) { c.scheduler = s }
}

// WithConfirmTimeout bounds how long a passcode confirmation may take; zero means no bound
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.confirmTimeout = d }
}

// WithAdvertisingOptions sets the options passed to Stack.StartAdvertising
func WithAdvertisingOptions(o AdvertisingOptions) Option {
	return func(c *Coordinator) { c.advOptions = o }
}

// WithStateObserver registers an observer for state transitions
func WithStateObserver(o StateObserver) Option {
	return func(c *Coordinator) { c.stateObservers = append(c.stateObservers, o) }
}

// WithFailureObserver registers an observer for pairing failures
func WithFailureObserver(o FailureObserver) Option {
	return func(c *Coordinator) { c.failureObservers = append(c.failureObservers, o) }
}

// session is the coordinator's view of one connection
type session struct {
	conn       Conn
	released   bool
	confirming bool
}

// Coordinator owns the advertising/connection lifecycle of one peripheral identity
type Coordinator struct {
	stack     Stack
	identity  *PeripheralIdentity
	confirmer PasscodeConfirmer

	retryDelay       time.Duration
	confirmTimeout   time.Duration
	advOptions       AdvertisingOptions
	scheduler        Scheduler
	stateObservers   []StateObserver
	failureObservers []FailureObserver

	mtx      sync.Mutex
	state    ConnectionState
	active   *session
	retry    Timer
	retryGen uint64
	closed   bool

	// transitions waiting for delivery to stateObservers
	pending    []StateChange
	delivering bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Open creates the stack with factory and initializes a coordinator on it
func Open(factory StackFactory, identity *PeripheralIdentity, confirmer PasscodeConfirmer, opts ...Option) (*Coordinator, error) {
	stack, err := factory()
	if err != nil {
		return nil, initError("create stack", err)
	}
	c, err := New(stack, identity, confirmer, opts...)
	if err != nil {
		if cerr := stack.Close(); cerr != nil {
			log.Debugf("pkg bluetooth; error closing stack after failed init: %v", cerr)
		}
		return nil, err
	}
	return c, nil
}

// New configures the advertised identity and services on stack. Errors are
// *InitializationError.
func New(stack Stack, identity *PeripheralIdentity, confirmer PasscodeConfirmer, opts ...Option) (*Coordinator, error) {
	if stack == nil {
		return nil, initError("create stack", errors.New("no stack"))
	}
	if identity == nil {
		return nil, initError("configure identity", errors.New("no peripheral identity"))
	}
	if confirmer == nil {
		return nil, initError("configure identity", errors.New("no passcode confirmer"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		stack:      stack,
		identity:   identity,
		confirmer:  confirmer,
		retryDelay: DefaultRetryDelay,
		scheduler:  timeScheduler{},
		state:      StateIdle,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(c)
	}

	if err := stack.AddServices(identity.Services()); err != nil {
		cancel()
		return nil, initError("add services", err)
	}

	advData, err := buildAdvertisingData(identity)
	if err != nil {
		cancel()
		return nil, initError("build advertising data", err)
	}
	if err := stack.SetAdvertisingData(advData); err != nil {
		cancel()
		return nil, initError("set advertising data", err)
	}

	if err := stack.SetDeviceName(identity.Name()); err != nil {
		cancel()
		return nil, initError("set device name", err)
	}

	log.Infof("pkg bluetooth; initialized peripheral %q with %d service(s)", identity.Name(), len(identity.ServiceUUIDs()))
	return c, nil
}

func buildAdvertisingData(identity *PeripheralIdentity) (AdvertisingData, error) {
	var uuid16, uuid128 []string
	for _, u := range identity.ServiceUUIDs() {
		if len(strings.ReplaceAll(u, "-", "")) == 4 {
			uuid16 = append(uuid16, u)
		} else {
			uuid128 = append(uuid128, u)
		}
	}
	return NewAdvertisingDataBuilder().
		AddFlags(FlagGeneralDiscoverable, FlagBREDRNotSupported).
		AddLocalName(true, identity.Name()).
		Add16BitServiceUUIDs(true, uuid16).
		Add128BitServiceUUIDs(true, uuid128).
		Build()
}

// Identity returns the peripheral identity
func (c *Coordinator) Identity() *PeripheralIdentity {
	return c.identity
}

// State returns the current connection state
func (c *Coordinator) State() ConnectionState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// ActiveConnection returns the active connection, or nil
func (c *Coordinator) ActiveConnection() Conn {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.active == nil {
		return nil
	}
	return c.active.conn
}

// StartAdvertising makes the peripheral discoverable. A stack failure is not
// returned; advertising is retried after the retry delay until it starts.
func (c *Coordinator) StartAdvertising() error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return ErrClosed
	}
	if c.active != nil {
		c.mtx.Unlock()
		return ErrConnectionActive
	}
	c.cancelRetryLocked()
	gen := c.retryGen
	c.setStateLocked(StateAdvertising, "")
	c.mtx.Unlock()

	c.publishState()

	if err := c.stack.StartAdvertising(c.advOptions, c.onConnectionEstablished); err != nil {
		log.Warnf("pkg bluetooth; %v: %v, retrying in %s", ErrAdvertisingTransient, err, c.retryDelay)
		c.scheduleRetry(gen)
		return nil
	}

	// StopAdvertising may have run while the stack was starting
	c.mtx.Lock()
	stopped := gen != c.retryGen && c.state == StateIdle && !c.closed
	c.mtx.Unlock()
	if stopped {
		log.Info("pkg bluetooth; advertising was stopped while starting")
		if err := c.stack.StopAdvertising(); err != nil {
			log.Debugf("pkg bluetooth; error stopping advertising: %v", err)
		}
		return nil
	}
	log.Info("pkg bluetooth; started advertising")
	return nil
}

// StopAdvertising stops broadcasting and cancels a pending retry. The state
// becomes StateIdle. It is refused while a connection is active.
func (c *Coordinator) StopAdvertising() error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return ErrClosed
	}
	if c.active != nil {
		c.mtx.Unlock()
		return ErrConnectionActive
	}
	c.cancelRetryLocked()
	c.setStateLocked(StateIdle, "")
	c.mtx.Unlock()

	c.publishState()

	if err := c.stack.StopAdvertising(); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	log.Info("pkg bluetooth; stopped advertising")
	return nil
}

// Disconnect tears down the active connection, if any, and restarts advertising.
// The reference is cleared immediately.
func (c *Coordinator) Disconnect() {
	c.mtx.Lock()
	s := c.active
	if s == nil {
		c.mtx.Unlock()
		return
	}
	s.released = true
	c.active = nil
	closed := c.closed
	c.mtx.Unlock()

	log.Infof("pkg bluetooth; disconnecting %s", s.conn.ID())
	if err := s.conn.Disconnect(); err != nil {
		log.Debugf("pkg bluetooth; error disconnecting %s: %v", s.conn.ID(), err)
	}
	if !closed {
		c.restartAdvertising()
	}
}

// Close cancels the pending retry and any in-flight confirmation, drops the
// connection and closes the stack. Event reactions after Close are no-ops.
func (c *Coordinator) Close() error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return nil
	}
	c.closed = true
	c.cancelRetryLocked()
	s := c.active
	c.active = nil
	if s != nil {
		s.released = true
	}
	c.setStateLocked(StateIdle, "")
	c.mtx.Unlock()

	c.cancel()
	c.publishState()
	if s != nil {
		if err := s.conn.Disconnect(); err != nil {
			log.Debugf("pkg bluetooth; error disconnecting %s on close: %v", s.conn.ID(), err)
		}
	}
	return c.stack.Close()
}

func (c *Coordinator) restartAdvertising() {
	if err := c.StartAdvertising(); err != nil && err != ErrClosed {
		log.Warnf("pkg bluetooth; could not restart advertising: %v", err)
	}
}

func (c *Coordinator) onConnectionEstablished(status Status, conn Conn) {
	defer c.recoverReaction("connection")

	if status != StatusSuccess || conn == nil {
		c.mtx.Lock()
		gen := c.retryGen
		c.mtx.Unlock()
		if conn == nil && status == StatusSuccess {
			log.Error("pkg bluetooth; stack reported a successful connection without a handle")
		} else {
			log.Warnf("pkg bluetooth; %v: %s, retrying in %s", ErrAdvertisingTransient, status, c.retryDelay)
		}
		c.scheduleRetry(gen)
		return
	}

	c.mtx.Lock()
	if c.closed || c.active != nil {
		closed := c.closed
		c.mtx.Unlock()
		if closed {
			log.Debugf("pkg bluetooth; rejecting connection %s, coordinator closed", conn.ID())
		} else {
			log.Warnf("pkg bluetooth; rejecting connection %s, a connection is already active", conn.ID())
		}
		if err := conn.Disconnect(); err != nil {
			log.Debugf("pkg bluetooth; error closing rejected connection: %v", err)
		}
		return
	}
	s := &session{conn: conn}
	c.active = s
	c.setStateLocked(StatePairing, conn.ID())
	c.mtx.Unlock()

	c.publishState()

	conn.OnDisconnect(func(reason Status) { c.onDisconnect(s, reason) })

	smp := conn.SMP()
	smp.OnPairingRequest(func(req PairingRequest) PairingResponse { return c.onPairingRequest(s, req) })
	smp.OnPasskeyExchange(func(model AssociationModel, passcode string, proceed func()) {
		c.onPasskeyExchange(s, model, passcode, proceed)
	})
	smp.OnPairingComplete(func(res PairingResult) { c.onPairingComplete(s, res) })
	smp.OnPairingFailed(func(reason SMPReason, remote bool) { c.onPairingFailed(s, reason, remote) })

	level := smp.EncryptionLevel()
	log.Infof("pkg bluetooth; connection established: %s (encrypted=%v mitm=%v sc=%v)", conn.ID(), level.Encrypted, level.MITM, level.SC)

	if err := smp.SendSecurityRequest(true, true, true, false); err != nil {
		log.Warnf("pkg bluetooth; security request on %s failed: %v", conn.ID(), err)
	}
}

func (c *Coordinator) onDisconnect(s *session, reason Status) {
	defer c.recoverReaction("disconnect")

	c.mtx.Lock()
	if s.released {
		c.mtx.Unlock()
		log.Debugf("pkg bluetooth; ** disconnect: %s (%s), already released", s.conn.ID(), reason)
		return
	}
	s.released = true
	if c.active == s {
		c.active = nil
	}
	closed := c.closed
	c.mtx.Unlock()

	log.Infof("pkg bluetooth; ** disconnect: %s (%s)", s.conn.ID(), reason)
	if !closed {
		c.restartAdvertising()
	}
}

func (c *Coordinator) onPairingRequest(s *session, req PairingRequest) PairingResponse {
	defer c.recoverReaction("pairing request")

	log.Debugf("pkg bluetooth; pairing request on %s: iocap=0x%02X bond=%v mitm=%v sc=%v", s.conn.ID(), uint8(req.IOCap), req.Bonding, req.MITM, req.SC)
	return PairingResponse{
		IOCap:   IOCapDisplayYesNo,
		Bonding: true,
		MITM:    true,
	}
}

func (c *Coordinator) onPasskeyExchange(s *session, model AssociationModel, passcode string, proceed func()) {
	defer c.recoverReaction("passkey exchange")

	if model != AssociationNumericComparison {
		log.Infof("pkg bluetooth; passkey exchange on %s with association model %s, nothing to confirm", s.conn.ID(), model)
		return
	}

	c.mtx.Lock()
	if s.released || c.active != s {
		c.mtx.Unlock()
		log.Debugf("pkg bluetooth; ignoring passkey exchange on stale connection %s", s.conn.ID())
		return
	}
	if s.confirming {
		c.mtx.Unlock()
		log.Warnf("pkg bluetooth; passkey exchange on %s while a confirmation is pending, ignoring", s.conn.ID())
		return
	}
	s.confirming = true
	ctx := c.ctx
	c.mtx.Unlock()

	req := newPasscodeConfirmationRequest(s.conn.ID(), passcode)
	log.Infof("pkg bluetooth; NUMERIC_COMPARISON got code: %s (request %s)", passcode, req.ID)
	go c.confirm(ctx, s, req, proceed)
}

func (c *Coordinator) confirm(ctx context.Context, s *session, req PasscodeConfirmationRequest, proceed func()) {
	defer c.recoverReaction("passcode confirmation")

	if c.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.confirmTimeout)
		defer cancel()
	}
	err := c.askConfirmer(ctx, req)

	c.mtx.Lock()
	s.confirming = false
	stale := s.released || c.active != s || c.closed
	c.mtx.Unlock()

	if stale {
		log.Debugf("pkg bluetooth; dropping confirmation %s, connection %s is gone", req.ID, req.ConnectionID)
		return
	}

	if err == nil {
		log.Infof("pkg bluetooth; passcode %s accepted on %s", req.Passcode, req.ConnectionID)
		proceed()
		return
	}

	rejected := errors.Wrap(ErrPairingComparisonRejected, err.Error())
	log.Warnf("pkg bluetooth; %v", rejected)
	if ferr := s.conn.SMP().SendPairingFailed(ReasonNumericComparisonFailed); ferr != nil {
		log.Warnf("pkg bluetooth; could not signal pairing failure on %s: %v", req.ConnectionID, ferr)
	}
	c.publishFailure(req.ConnectionID, rejected)
}

// askConfirmer reports a panicking confirmer as a rejection
func (c *Coordinator) askConfirmer(ctx context.Context, req PasscodeConfirmationRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("pkg bluetooth; recovered from panic in passcode confirmer: %v", r)
			err = fmt.Errorf("passcode confirmer panicked: %v", r)
		}
	}()
	return c.confirmer.ConfirmPasscode(ctx, req)
}

func (c *Coordinator) onPairingComplete(s *session, res PairingResult) {
	defer c.recoverReaction("pairing complete")

	c.mtx.Lock()
	if s.released || c.active != s || c.state != StatePairing {
		state := c.state
		c.mtx.Unlock()
		log.Warnf("pkg bluetooth; ignoring pairing complete on %s in state %s", s.conn.ID(), state)
		return
	}
	c.setStateLocked(StateConnected, s.conn.ID())
	c.mtx.Unlock()

	c.publishState()
	log.Infof("pkg bluetooth; the pairing process is now complete on %s (bonded=%v mitm=%v sc=%v)", s.conn.ID(), res.Bonded, res.Level.MITM, res.Level.SC)
}

func (c *Coordinator) onPairingFailed(s *session, reason SMPReason, remote bool) {
	defer c.recoverReaction("pairing failed")

	err := errors.Wrapf(ErrPairingFailedRemote, "reason %s (remote=%v)", reason, remote)
	log.Warnf("pkg bluetooth; %s: %v", s.conn.ID(), err)
	c.publishFailure(s.conn.ID(), err)
}

// scheduleRetry arms the retry timer for an advertising attempt made at
// generation gen. It is a no-op if advertising was stopped, restarted or
// closed since then.
func (c *Coordinator) scheduleRetry(gen uint64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed || gen != c.retryGen || c.state != StateAdvertising {
		log.Debugf("pkg bluetooth; not retrying, advertising attempt is stale (state %s)", c.state)
		return
	}
	c.cancelRetryLocked()
	gen = c.retryGen
	c.retry = c.scheduler.AfterFunc(c.retryDelay, func() {
		c.mtx.Lock()
		current := gen == c.retryGen && !c.closed
		if current {
			c.retry = nil
		}
		c.mtx.Unlock()
		if !current {
			return
		}
		c.restartAdvertising()
	})
}

func (c *Coordinator) cancelRetryLocked() {
	c.retryGen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Coordinator) setStateLocked(to ConnectionState, connID string) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	log.Debugf("pkg bluetooth; state %s -> %s", from, to)
	if len(c.stateObservers) > 0 {
		c.pending = append(c.pending, StateChange{From: from, To: to, ConnectionID: connID, Time: time.Now()})
	}
}

// publishState delivers queued transitions in order. Only one goroutine
// delivers at a time; a transition queued meanwhile, including one made by an
// observer, is picked up by the goroutine already delivering.
func (c *Coordinator) publishState() {
	c.mtx.Lock()
	if c.delivering {
		c.mtx.Unlock()
		return
	}
	c.delivering = true
	for len(c.pending) > 0 {
		change := c.pending[0]
		c.pending = c.pending[1:]
		c.mtx.Unlock()
		for _, o := range c.stateObservers {
			func() {
				defer c.recoverReaction("state observer")
				o(change)
			}()
		}
		c.mtx.Lock()
	}
	c.pending = nil
	c.delivering = false
	c.mtx.Unlock()
}

func (c *Coordinator) publishFailure(connID string, err error) {
	for _, o := range c.failureObservers {
		func() {
			defer c.recoverReaction("failure observer")
			o(connID, err)
		}()
	}
}

func (c *Coordinator) recoverReaction(name string) {
	if r := recover(); r != nil {
		log.Errorf("pkg bluetooth; recovered from panic in %s reaction: %v", name, r)
	}
}
