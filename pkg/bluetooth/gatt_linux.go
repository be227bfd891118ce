//go:build linux

package bluetooth

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/paypal/gatt"
	"github.com/paypal/gatt/linux/cmd"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// GattStack drives a local HCI adapter through paypal/gatt
type GattStack struct {
	device gatt.Device
	opts   GattOptions

	mtx         sync.Mutex
	cb          ConnectionCallback
	conns       map[string]*gattConn
	advertising bool

	notifiers    map[string]gatt.Notifier
	notifiersMtx sync.Mutex

	charData    map[string][]byte
	charDataMtx sync.RWMutex
}

// GattFactory returns a StackFactory opening the adapter described by opts
func GattFactory(opts GattOptions) StackFactory {
	return func() (Stack, error) {
		s, err := NewGattStack(opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func serverOptions(opts GattOptions) []gatt.Option {
	return []gatt.Option{
		gatt.LnxMaxConnections(1),
		gatt.LnxDeviceID(opts.DeviceID, true),
		gatt.LnxSetAdvertisingParameters(&cmd.LESetAdvertisingParameters{
			AdvertisingIntervalMin: opts.AdvertisingIntervalMin,
			AdvertisingIntervalMax: opts.AdvertisingIntervalMax,
			AdvertisingChannelMap:  0x7,
		}),
	}
}

// NewGattStack opens the adapter and waits for it to power on
func NewGattStack(opts GattOptions) (*GattStack, error) {
	d, err := gatt.NewDevice(serverOptions(opts)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open device")
	}

	s := &GattStack{
		device:    d,
		opts:      opts,
		conns:     make(map[string]*gattConn),
		notifiers: make(map[string]gatt.Notifier),
		charData:  make(map[string][]byte),
	}

	d.Handle(
		gatt.CentralConnected(s.centralConnected),
		gatt.CentralDisconnected(s.centralDisconnected),
	)

	poweredOn := make(chan struct{})
	var once sync.Once
	onStateChanged := func(d gatt.Device, st gatt.State) {
		log.Debugf("pkg bluetooth; adapter state: %s", st)
		if st == gatt.StatePoweredOn {
			once.Do(func() { close(poweredOn) })
		}
	}

	if err := d.Init(onStateChanged); err != nil {
		return nil, errors.Wrap(err, "could not init bluetooth")
	}

	timeout := opts.PowerOnTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-poweredOn:
	case <-time.After(timeout):
		return nil, errors.Errorf("adapter did not power on within %s", timeout)
	}

	return s, nil
}

func (s *GattStack) centralConnected(c gatt.Central) {
	log.Infof("pkg bluetooth; ** new connection from: %s", c.ID())

	s.mtx.Lock()
	cb := s.cb
	if cb == nil {
		s.mtx.Unlock()
		log.Warnf("pkg bluetooth; rejecting connection from %s - not advertising", c.ID())
		if err := c.Close(); err != nil {
			log.Debugf("pkg bluetooth; error closing rejected connection: %v", err)
		}
		return
	}
	s.cb = nil
	s.advertising = false
	conn := &gattConn{central: c}
	conn.smp = &gattSMP{conn: conn, assumeBonded: s.opts.AssumeBonded}
	s.conns[c.ID()] = conn
	s.mtx.Unlock()

	cb(StatusSuccess, conn)
}

func (s *GattStack) centralDisconnected(c gatt.Central) {
	log.Tracef("pkg bluetooth; ** disconnect: %s", c.ID())

	s.mtx.Lock()
	conn := s.conns[c.ID()]
	delete(s.conns, c.ID())
	s.mtx.Unlock()

	s.notifiersMtx.Lock()
	s.notifiers = make(map[string]gatt.Notifier)
	s.notifiersMtx.Unlock()

	if conn != nil {
		conn.fireDisconnect(StatusRemoteUserTerminated)
	}
}

// AddServices implements Stack
func (s *GattStack) AddServices(services []ServiceDescriptor) error {
	for _, sd := range services {
		svc := gatt.NewService(gatt.MustParseUUID(sd.UUID))
		for _, cd := range sd.Characteristics {
			s.addCharacteristic(svc, cd)
		}
		if err := s.device.AddService(svc); err != nil {
			return errors.Wrapf(err, "could not add service %s", sd.UUID)
		}
		log.Debugf("pkg bluetooth; added service %s with %d characteristic(s)", sd.UUID, len(sd.Characteristics))
	}
	return nil
}

// SetDeviceName implements Stack by serving the Generic Access service
func (s *GattStack) SetDeviceName(name string) error {
	svc := gatt.NewService(gatt.MustParseUUID(GenericAccessServiceUUID))
	s.addCharacteristic(svc, CharacteristicDescriptor{UUID: DeviceNameCharUUID, Properties: PropRead, Value: []byte(name)})
	s.addCharacteristic(svc, CharacteristicDescriptor{UUID: AppearanceCharUUID, Properties: PropRead, Value: []byte{0x00, 0x00}})
	if err := s.device.AddService(svc); err != nil {
		return errors.Wrap(err, "could not add Generic Access service")
	}
	return nil
}

// SetAdvertisingData implements Stack
func (s *GattStack) SetAdvertisingData(data AdvertisingData) error {
	if len(data.Advertising) > MaxAdvertisingDataLength || len(data.ScanResponse) > MaxAdvertisingDataLength {
		return errors.New("advertising data too long")
	}
	advData := &cmd.LESetAdvertisingData{AdvertisingDataLength: uint8(len(data.Advertising))}
	copy(advData.AdvertisingData[:], data.Advertising)
	scanData := &cmd.LESetScanResponseData{ScanResponseDataLength: uint8(len(data.ScanResponse))}
	copy(scanData.ScanResponseData[:], data.ScanResponse)

	if err := s.device.Option(
		gatt.LnxSetAdvertisingData(advData),
		gatt.LnxSetScanResponseData(scanData),
	); err != nil {
		return errors.Wrap(err, "could not set advertising data")
	}
	return nil
}

// StartAdvertising implements Stack. The callback is kept until a central connects.
func (s *GattStack) StartAdvertising(_ AdvertisingOptions, cb ConnectionCallback) error {
	s.mtx.Lock()
	s.cb = cb
	s.mtx.Unlock()

	if err := s.device.Option(gatt.LnxSetAdvertisingEnable(true)); err != nil {
		s.mtx.Lock()
		s.cb = nil
		s.mtx.Unlock()
		return errors.Wrap(err, "could not enable advertising")
	}

	s.mtx.Lock()
	s.advertising = true
	s.mtx.Unlock()
	return nil
}

// StopAdvertising implements Stack
func (s *GattStack) StopAdvertising() error {
	s.mtx.Lock()
	s.cb = nil
	s.advertising = false
	s.mtx.Unlock()

	if err := s.device.Option(gatt.LnxSetAdvertisingEnable(false)); err != nil {
		return errors.Wrap(err, "could not disable advertising")
	}
	return nil
}

// Close implements Stack
func (s *GattStack) Close() error {
	s.mtx.Lock()
	s.cb = nil
	conns := make([]*gattConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mtx.Unlock()

	for _, c := range conns {
		if err := c.central.Close(); err != nil {
			log.Debugf("pkg bluetooth; error closing central connection: %v", err)
		}
	}
	return s.device.StopAdvertising()
}

// SetCharacteristicValue implements CharacteristicAccess
func (s *GattStack) SetCharacteristicValue(uuid string, data []byte) error {
	s.setCharacteristicData(uuid, data)
	return nil
}

// Notify implements CharacteristicAccess
func (s *GattStack) Notify(uuid string, data []byte) error {
	key := strings.ToLower(uuid)
	s.notifiersMtx.Lock()
	notifier, exists := s.notifiers[key]
	s.notifiersMtx.Unlock()

	if !exists || notifier == nil {
		return fmt.Errorf("no notifier registered for %s", uuid)
	}

	if notifier.Done() {
		return fmt.Errorf("notifier for %s is closed", uuid)
	}

	log.Tracef("pkg bluetooth; sending notification on %s: %s", uuid, hex.EncodeToString(data))
	_, err := notifier.Write(data)
	return err
}

func (s *GattStack) addCharacteristic(svc *gatt.Service, cd CharacteristicDescriptor) {
	uuid := cd.UUID
	if cd.Value != nil {
		s.setCharacteristicData(uuid, cd.Value)
	}
	char := svc.AddCharacteristic(gatt.MustParseUUID(uuid))

	if cd.Properties&PropRead != 0 {
		char.HandleReadFunc(func(rsp gatt.ResponseWriter, req *gatt.ReadRequest) {
			data := s.getCharacteristicData(uuid)
			if data == nil {
				data = []byte{}
			}
			log.Tracef("pkg bluetooth; read request on %s, responding with: %s", uuid, hex.EncodeToString(data))
			if _, err := rsp.Write(data); err != nil {
				log.Warnf("pkg bluetooth; failed to write BLE response: %v", err)
			}
		})
	}

	if cd.Properties&PropWrite != 0 {
		onWrite := cd.OnWrite
		storeWrites := cd.Properties&PropRead != 0
		char.HandleWriteFunc(func(r gatt.Request, data []byte) (status byte) {
			dataCopy := make([]byte, len(data))
			copy(dataCopy, data)
			log.Tracef("pkg bluetooth; received write on %s: %s", uuid, hex.EncodeToString(dataCopy))
			if storeWrites {
				s.setCharacteristicData(uuid, dataCopy)
			}
			if onWrite != nil {
				onWrite(r.Central.ID(), dataCopy)
			}
			return 0
		})
	}

	if cd.Properties&PropNotify != 0 {
		char.HandleNotifyFunc(func(r gatt.Request, n gatt.Notifier) {
			s.notifiersMtx.Lock()
			s.notifiers[strings.ToLower(uuid)] = n
			s.notifiersMtx.Unlock()
			log.Infof("pkg bluetooth; notifications enabled for %s from %s", uuid, r.Central.ID())
		})
	}
}

func (s *GattStack) setCharacteristicData(uuid string, data []byte) {
	if data == nil {
		return
	}
	key := strings.ToLower(uuid)
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	s.charDataMtx.Lock()
	s.charData[key] = dataCopy
	s.charDataMtx.Unlock()
}

func (s *GattStack) getCharacteristicData(uuid string) []byte {
	key := strings.ToLower(uuid)
	s.charDataMtx.RLock()
	data := s.charData[key]
	s.charDataMtx.RUnlock()
	if data == nil {
		return nil
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	return dataCopy
}

type gattConn struct {
	central gatt.Central
	smp     *gattSMP

	mtx          sync.Mutex
	onDisconnect func(Status)
	fired        bool
}

func (c *gattConn) ID() string           { return c.central.ID() }
func (c *gattConn) SMP() SecurityManager { return c.smp }

func (c *gattConn) OnDisconnect(f func(Status)) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.onDisconnect = f
}

func (c *gattConn) Disconnect() error {
	return c.central.Close()
}

func (c *gattConn) fireDisconnect(reason Status) {
	c.mtx.Lock()
	if c.fired {
		c.mtx.Unlock()
		return
	}
	c.fired = true
	f := c.onDisconnect
	c.mtx.Unlock()
	if f != nil {
		f(reason)
	}
}

// gattSMP stands in for a security manager; paypal/gatt has none
type gattSMP struct {
	conn         *gattConn
	assumeBonded bool

	mtx        sync.Mutex
	level      EncryptionLevel
	onComplete func(PairingResult)
}

func (m *gattSMP) SendSecurityRequest(bond, mitm, sc, keypress bool) error {
	if !m.assumeBonded {
		return ErrSecurityUnsupported
	}
	m.mtx.Lock()
	f := m.onComplete
	m.mtx.Unlock()
	log.Debugf("pkg bluetooth; no security manager, treating %s as bonded", m.conn.ID())
	if f != nil {
		f(PairingResult{Bonded: bond})
	}
	return nil
}

func (m *gattSMP) SendPairingFailed(reason SMPReason) error {
	log.Debugf("pkg bluetooth; pairing failed (%s) on %s, closing link", reason, m.conn.ID())
	return m.conn.Disconnect()
}

func (m *gattSMP) EncryptionLevel() EncryptionLevel {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.level
}

func (m *gattSMP) OnPairingRequest(func(PairingRequest) PairingResponse)    {}
func (m *gattSMP) OnPasskeyExchange(func(AssociationModel, string, func())) {}

func (m *gattSMP) OnPairingComplete(f func(PairingResult)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.onComplete = f
}

func (m *gattSMP) OnPairingFailed(func(SMPReason, bool)) {}
