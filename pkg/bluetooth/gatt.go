package bluetooth

import "time"

// GATT profile UUIDs used by the gatt stack
const (
	GenericAccessServiceUUID = "1800"
	DeviceNameCharUUID       = "2A00"
	AppearanceCharUUID       = "2A01"
)

// GattOptions configures the paypal/gatt backed stack
type GattOptions struct {
	// DeviceID selects hciN; -1 picks the first available adapter
	DeviceID int
	// AssumeBonded reports pairing complete as soon as a security request is
	// issued. paypal/gatt has no security manager, so without it the
	// coordinator stays in StatePairing.
	AssumeBonded bool
	// PowerOnTimeout bounds the wait for the adapter to power on
	PowerOnTimeout time.Duration
	// AdvertisingIntervalMin/Max in 0.625ms units
	AdvertisingIntervalMin uint16
	AdvertisingIntervalMax uint16
}

// DefaultGattOptions mirrors the single-connection server setup
func DefaultGattOptions() GattOptions {
	return GattOptions{
		DeviceID:               -1,
		PowerOnTimeout:         10 * time.Second,
		AdvertisingIntervalMin: 0x00f4,
		AdvertisingIntervalMax: 0x00f4,
	}
}

// CharacteristicAccess is implemented by stacks that serve characteristic
// values and notifications to the connected central
type CharacteristicAccess interface {
	SetCharacteristicValue(uuid string, data []byte) error
	Notify(uuid string, data []byte) error
}
