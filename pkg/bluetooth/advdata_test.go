package bluetooth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertisingDataBuilder_Fields(t *testing.T) {
	data, err := NewAdvertisingDataBuilder().
		AddFlags(FlagGeneralDiscoverable, FlagBREDRNotSupported).
		AddLocalName(true, "Dev").
		Add16BitServiceUUIDs(true, []string{"180D"}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, []byte{
		0x02, 0x01, 0x06,
		0x04, 0x09, 'D', 'e', 'v',
		0x03, 0x03, 0x0D, 0x18,
	}, data.Advertising)
	assert.Nil(t, data.ScanResponse)
}

func TestAdvertisingDataBuilder_128BitLittleEndian(t *testing.T) {
	data, err := NewAdvertisingDataBuilder().
		Add128BitServiceUUIDs(false, []string{"00112233-4455-6677-8899-aabbccddeeff"}).
		Build()
	require.NoError(t, err)

	require.Len(t, data.Advertising, 18)
	assert.Equal(t, byte(17), data.Advertising[0])
	assert.Equal(t, byte(advTypeSomeUUID128), data.Advertising[1])
	assert.Equal(t, byte(0xff), data.Advertising[2])
	assert.Equal(t, byte(0x00), data.Advertising[17])
}

func TestAdvertisingDataBuilder_OverflowToScanResponse(t *testing.T) {
	data, err := NewAdvertisingDataBuilder().
		AddFlags(FlagGeneralDiscoverable).
		Add128BitServiceUUIDs(true, []string{testServiceUUID}).
		AddLocalName(true, "A Rather Long Device Name").
		Build()
	require.NoError(t, err)

	assert.Len(t, data.Advertising, 3+18)
	require.NotEmpty(t, data.ScanResponse)
	assert.Equal(t, byte(advTypeCompleteName), data.ScanResponse[1])
	assert.Equal(t, "A Rather Long Device Name", string(data.ScanResponse[2:]))
}

func TestAdvertisingDataBuilder_Errors(t *testing.T) {
	_, err := NewAdvertisingDataBuilder().
		AddLocalName(true, strings.Repeat("x", 40)).
		Build()
	assert.Error(t, err)

	_, err = NewAdvertisingDataBuilder().
		Add16BitServiceUUIDs(true, []string{testServiceUUID}).
		Build()
	assert.Error(t, err)

	_, err = NewAdvertisingDataBuilder().
		Add128BitServiceUUIDs(true, []string{"not-a-uuid"}).
		Build()
	assert.Error(t, err)
}

func TestAdvertisingDataBuilder_ManufacturerData(t *testing.T) {
	data, err := NewAdvertisingDataBuilder().
		AddManufacturerData(0x004C, []byte{0x01, 0x02}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0xFF, 0x4C, 0x00, 0x01, 0x02}, data.Advertising)
}
