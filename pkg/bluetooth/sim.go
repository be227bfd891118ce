package bluetooth

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// SimStack is an in-memory Stack. It records what the coordinator asks of it
// and lets callers inject the events a real controller would raise.
type SimStack struct {
	mtx sync.Mutex

	services    []ServiceDescriptor
	name        string
	advData     AdvertisingData
	advertising bool
	cb          ConnectionCallback
	starts      int
	stops       int
	closed      bool

	startErr       error
	addServicesErr error

	conns  map[string]*SimConn
	nextID int

	values        map[string][]byte
	notifications []Notification
}

// Notification records a Notify call
type Notification struct {
	UUID string
	Data []byte
}

// NewSimStack returns an idle simulated stack
func NewSimStack() *SimStack {
	return &SimStack{
		conns:  make(map[string]*SimConn),
		values: make(map[string][]byte),
	}
}

// FailStart makes subsequent StartAdvertising calls return err (nil clears it)
func (s *SimStack) FailStart(err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.startErr = err
}

// FailAddServices makes AddServices return err
func (s *SimStack) FailAddServices(err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.addServicesErr = err
}

// AddServices implements Stack
func (s *SimStack) AddServices(services []ServiceDescriptor) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.addServicesErr != nil {
		return s.addServicesErr
	}
	s.services = append(s.services, copyServices(services)...)
	return nil
}

// SetDeviceName implements Stack
func (s *SimStack) SetDeviceName(name string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.name = name
	return nil
}

// SetAdvertisingData implements Stack
func (s *SimStack) SetAdvertisingData(data AdvertisingData) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.advData = data
	return nil
}

// StartAdvertising implements Stack
func (s *SimStack) StartAdvertising(opts AdvertisingOptions, cb ConnectionCallback) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return fmt.Errorf("sim stack closed")
	}
	s.starts++
	if s.startErr != nil {
		return s.startErr
	}
	s.advertising = true
	s.cb = cb
	log.Tracef("pkg bluetooth; sim: advertising started (%d)", s.starts)
	return nil
}

// StopAdvertising implements Stack
func (s *SimStack) StopAdvertising() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.stops++
	s.advertising = false
	s.cb = nil
	return nil
}

// Close implements Stack
func (s *SimStack) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.closed = true
	s.advertising = false
	s.cb = nil
	return nil
}

// SetCharacteristicValue implements CharacteristicAccess
func (s *SimStack) SetCharacteristicValue(uuid string, data []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.values[strings.ToLower(uuid)] = append([]byte(nil), data...)
	return nil
}

// CharacteristicValue returns the value last set for uuid
func (s *SimStack) CharacteristicValue(uuid string) []byte {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]byte(nil), s.values[strings.ToLower(uuid)]...)
}

// Notify implements CharacteristicAccess. It fails without a connected central.
func (s *SimStack) Notify(uuid string, data []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.conns) == 0 {
		return fmt.Errorf("no central subscribed to %s", uuid)
	}
	s.notifications = append(s.notifications, Notification{UUID: uuid, Data: append([]byte(nil), data...)})
	return nil
}

// Notifications returns the recorded notifications
func (s *SimStack) Notifications() []Notification {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]Notification(nil), s.notifications...)
}

// Connect simulates a central connecting while advertising
func (s *SimStack) Connect() (*SimConn, error) {
	s.mtx.Lock()
	if !s.advertising || s.cb == nil {
		s.mtx.Unlock()
		return nil, fmt.Errorf("sim stack is not advertising")
	}
	cb := s.cb
	s.cb = nil
	s.advertising = false
	s.nextID++
	c := &SimConn{
		id:    fmt.Sprintf("sim-%d", s.nextID),
		stack: s,
		smp:   &SimSMP{},
	}
	s.conns[c.id] = c
	s.mtx.Unlock()

	cb(StatusSuccess, c)
	return c, nil
}

// FailConnection delivers a non-success status to the pending connection callback
func (s *SimStack) FailConnection(status Status) error {
	s.mtx.Lock()
	if s.cb == nil {
		s.mtx.Unlock()
		return fmt.Errorf("no connection callback registered")
	}
	cb := s.cb
	s.cb = nil
	s.advertising = false
	s.mtx.Unlock()

	cb(status, nil)
	return nil
}

// Conn returns a connection created by Connect
func (s *SimStack) Conn(id string) *SimConn {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.conns[id]
}

// Advertising reports whether the stack is currently advertising
func (s *SimStack) Advertising() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.advertising
}

// StartCount is the number of StartAdvertising calls, failed ones included
func (s *SimStack) StartCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.starts
}

// StopCount is the number of StopAdvertising calls
func (s *SimStack) StopCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.stops
}

// Closed reports whether Close was called
func (s *SimStack) Closed() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.closed
}

// DeviceName returns the name set by SetDeviceName
func (s *SimStack) DeviceName() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.name
}

// Services returns the services registered with AddServices
func (s *SimStack) Services() []ServiceDescriptor {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return copyServices(s.services)
}

// AdvertisingData returns the payload set by SetAdvertisingData
func (s *SimStack) AdvertisingData() AdvertisingData {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.advData
}

// SimConn is a simulated link
type SimConn struct {
	id    string
	stack *SimStack
	smp   *SimSMP

	mtx             sync.Mutex
	onDisconnect    func(Status)
	disconnected    bool
	disconnectCalls int
}

// ID implements Conn
func (c *SimConn) ID() string { return c.id }

// SMP implements Conn
func (c *SimConn) SMP() SecurityManager { return c.smp }

// Security returns the simulated security manager
func (c *SimConn) Security() *SimSMP { return c.smp }

// OnDisconnect implements Conn
func (c *SimConn) OnDisconnect(f func(reason Status)) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.onDisconnect = f
}

// Disconnect implements Conn; the disconnect reaction fires once
func (c *SimConn) Disconnect() error {
	c.mtx.Lock()
	c.disconnectCalls++
	c.mtx.Unlock()
	c.drop(StatusLocalHostTerminated)
	return nil
}

// RemoteDisconnect simulates the central dropping the link
func (c *SimConn) RemoteDisconnect() {
	c.drop(StatusRemoteUserTerminated)
}

// DisconnectCalls is the number of local Disconnect calls
func (c *SimConn) DisconnectCalls() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.disconnectCalls
}

// Disconnected reports whether the link is down
func (c *SimConn) Disconnected() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.disconnected
}

func (c *SimConn) drop(reason Status) {
	c.mtx.Lock()
	if c.disconnected {
		c.mtx.Unlock()
		return
	}
	c.disconnected = true
	f := c.onDisconnect
	c.mtx.Unlock()

	c.stack.mtx.Lock()
	delete(c.stack.conns, c.id)
	c.stack.mtx.Unlock()

	if f != nil {
		f(reason)
	}
}

// SecurityRequest records a SendSecurityRequest call
type SecurityRequest struct {
	Bond, MITM, SC, Keypress bool
}

// SimSMP is a simulated security manager
type SimSMP struct {
	mtx sync.Mutex

	level            EncryptionLevel
	securityRequests []SecurityRequest
	failures         []SMPReason
	proceeds         int

	onPairingRequest  func(PairingRequest) PairingResponse
	onPasskeyExchange func(AssociationModel, string, func())
	onPairingComplete func(PairingResult)
	onPairingFailed   func(SMPReason, bool)
}

// SendSecurityRequest implements SecurityManager
func (m *SimSMP) SendSecurityRequest(bond, mitm, sc, keypress bool) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.securityRequests = append(m.securityRequests, SecurityRequest{bond, mitm, sc, keypress})
	return nil
}

// SendPairingFailed implements SecurityManager
func (m *SimSMP) SendPairingFailed(reason SMPReason) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.failures = append(m.failures, reason)
	return nil
}

// EncryptionLevel implements SecurityManager
func (m *SimSMP) EncryptionLevel() EncryptionLevel {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.level
}

// OnPairingRequest implements SecurityManager
func (m *SimSMP) OnPairingRequest(f func(PairingRequest) PairingResponse) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.onPairingRequest = f
}

// OnPasskeyExchange implements SecurityManager
func (m *SimSMP) OnPasskeyExchange(f func(AssociationModel, string, func())) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.onPasskeyExchange = f
}

// OnPairingComplete implements SecurityManager
func (m *SimSMP) OnPairingComplete(f func(PairingResult)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.onPairingComplete = f
}

// OnPairingFailed implements SecurityManager
func (m *SimSMP) OnPairingFailed(f func(SMPReason, bool)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.onPairingFailed = f
}

// PairingRequest delivers a pairing request and returns the local response
func (m *SimSMP) PairingRequest(req PairingRequest) (PairingResponse, bool) {
	m.mtx.Lock()
	f := m.onPairingRequest
	m.mtx.Unlock()
	if f == nil {
		return PairingResponse{}, false
	}
	return f(req), true
}

// PasskeyExchange delivers a passkey exchange event
func (m *SimSMP) PasskeyExchange(model AssociationModel, passcode string) {
	m.mtx.Lock()
	f := m.onPasskeyExchange
	m.mtx.Unlock()
	if f == nil {
		return
	}
	f(model, passcode, func() {
		m.mtx.Lock()
		m.proceeds++
		m.mtx.Unlock()
	})
}

// CompletePairing delivers a pairing complete event
func (m *SimSMP) CompletePairing(res PairingResult) {
	m.mtx.Lock()
	m.level = res.Level
	f := m.onPairingComplete
	m.mtx.Unlock()
	if f != nil {
		f(res)
	}
}

// FailPairing delivers a pairing failed event
func (m *SimSMP) FailPairing(reason SMPReason, remote bool) {
	m.mtx.Lock()
	f := m.onPairingFailed
	m.mtx.Unlock()
	if f != nil {
		f(reason, remote)
	}
}

// SecurityRequests returns the recorded security requests
func (m *SimSMP) SecurityRequests() []SecurityRequest {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]SecurityRequest(nil), m.securityRequests...)
}

// PairingFailures returns the reasons passed to SendPairingFailed
func (m *SimSMP) PairingFailures() []SMPReason {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]SMPReason(nil), m.failures...)
}

// Proceeds is the number of times a passkey exchange was continued
func (m *SimSMP) Proceeds() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.proceeds
}
