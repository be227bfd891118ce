package bluetooth

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/paypal/gatt"
)

// MaxAdvertisingDataLength is the legacy advertising / scan response payload size
const MaxAdvertisingDataLength = 31

// AD types [CSS, Part A, 1]
const (
	advTypeSomeUUID16       = 0x02
	advTypeAllUUID16        = 0x03
	advTypeSomeUUID128      = 0x06
	advTypeAllUUID128       = 0x07
	advTypeShortName        = 0x08
	advTypeCompleteName     = 0x09
	advTypeManufacturerData = 0xFF
)

// AdvFlag is a bit of the AD Flags field
type AdvFlag byte

const (
	FlagLimitedDiscoverable AdvFlag = 0x01
	FlagGeneralDiscoverable AdvFlag = 0x02
	FlagBREDRNotSupported   AdvFlag = 0x04
)

// AdvertisingData is the payload handed to the stack
type AdvertisingData struct {
	Advertising  []byte
	ScanResponse []byte
}

// AdvertisingDataBuilder assembles AD structures. Fields that do not fit the
// advertising packet are placed in the scan response.
type AdvertisingDataBuilder struct {
	adv  *gatt.AdvPacket
	scan *gatt.AdvPacket
	err  error
}

// NewAdvertisingDataBuilder returns an empty builder
func NewAdvertisingDataBuilder() *AdvertisingDataBuilder {
	return &AdvertisingDataBuilder{
		adv:  &gatt.AdvPacket{},
		scan: &gatt.AdvPacket{},
	}
}

// AddFlags adds the Flags field; it always goes in the advertising packet
func (b *AdvertisingDataBuilder) AddFlags(flags ...AdvFlag) *AdvertisingDataBuilder {
	var f AdvFlag
	for _, fl := range flags {
		f |= fl
	}
	if b.adv.Len()+3 > MaxAdvertisingDataLength {
		b.fail(fmt.Errorf("flags do not fit in advertising packet"))
		return b
	}
	b.adv.AppendFlags(byte(f))
	return b
}

// AddLocalName adds the complete or shortened local name
func (b *AdvertisingDataBuilder) AddLocalName(complete bool, name string) *AdvertisingDataBuilder {
	typ := byte(advTypeShortName)
	if complete {
		typ = advTypeCompleteName
	}
	b.place("local name", typ, []byte(name))
	return b
}

// Add128BitServiceUUIDs adds a list of 128-bit service UUIDs
func (b *AdvertisingDataBuilder) Add128BitServiceUUIDs(complete bool, uuids []string) *AdvertisingDataBuilder {
	typ := byte(advTypeSomeUUID128)
	if complete {
		typ = advTypeAllUUID128
	}
	b.addUUIDs(typ, 16, uuids)
	return b
}

// Add16BitServiceUUIDs adds a list of 16-bit service UUIDs
func (b *AdvertisingDataBuilder) Add16BitServiceUUIDs(complete bool, uuids []string) *AdvertisingDataBuilder {
	typ := byte(advTypeSomeUUID16)
	if complete {
		typ = advTypeAllUUID16
	}
	b.addUUIDs(typ, 2, uuids)
	return b
}

// AddManufacturerData adds manufacturer specific data for company id cid
func (b *AdvertisingDataBuilder) AddManufacturerData(cid uint16, data []byte) *AdvertisingDataBuilder {
	payload := append([]byte{byte(cid), byte(cid >> 8)}, data...)
	b.place("manufacturer data", advTypeManufacturerData, payload)
	return b
}

// Build returns the assembled payloads or the first error hit while adding fields
func (b *AdvertisingDataBuilder) Build() (AdvertisingData, error) {
	if b.err != nil {
		return AdvertisingData{}, b.err
	}
	return AdvertisingData{
		Advertising:  packetBytes(b.adv),
		ScanResponse: packetBytes(b.scan),
	}, nil
}

func packetBytes(p *gatt.AdvPacket) []byte {
	if p.Len() == 0 {
		return nil
	}
	raw := p.Bytes()
	return append([]byte(nil), raw[:p.Len()]...)
}

func (b *AdvertisingDataBuilder) addUUIDs(typ byte, width int, uuids []string) {
	if len(uuids) == 0 {
		return
	}
	var payload []byte
	for _, u := range uuids {
		ub, err := uuidBytes(u)
		if err != nil {
			b.fail(err)
			return
		}
		if len(ub) != width {
			b.fail(fmt.Errorf("uuid %s is not %d bits", u, width*8))
			return
		}
		payload = append(payload, ub...)
	}
	b.place("service uuids", typ, payload)
}

func (b *AdvertisingDataBuilder) place(what string, typ byte, payload []byte) {
	if b.err != nil {
		return
	}
	need := len(payload) + 2
	switch {
	case b.adv.Len()+need <= MaxAdvertisingDataLength:
		b.adv.AppendField(typ, payload)
	case b.scan.Len()+need <= MaxAdvertisingDataLength:
		b.scan.AppendField(typ, payload)
	default:
		b.fail(fmt.Errorf("%s (%d bytes) does not fit in advertising data", what, len(payload)))
	}
}

func (b *AdvertisingDataBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// uuidBytes returns the little-endian wire form of a UUID string
func uuidBytes(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.ReplaceAll(s, "-", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	if len(raw) != 2 && len(raw) != 16 {
		return nil, fmt.Errorf("invalid uuid %q: length %d", s, len(raw))
	}
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	return raw, nil
}
