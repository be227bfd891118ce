package bluetooth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeripheralIdentity(t *testing.T) {
	tests := []struct {
		name     string
		device   string
		services []ServiceDescriptor
		wantErr  bool
	}{
		{"valid 128-bit", "Device", []ServiceDescriptor{{UUID: testServiceUUID}}, false},
		{"valid 16-bit", "Device", []ServiceDescriptor{{UUID: "180D"}}, false},
		{"empty name", "", []ServiceDescriptor{{UUID: "180D"}}, true},
		{"no services", "Device", nil, true},
		{"bad uuid", "Device", []ServiceDescriptor{{UUID: "abc-123"}}, true},
		{"duplicate", "Device", []ServiceDescriptor{{UUID: "180D"}, {UUID: "180d"}}, true},
		{"bad characteristic", "Device", []ServiceDescriptor{{
			UUID:            "180D",
			Characteristics: []CharacteristicDescriptor{{UUID: "zz"}},
		}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewPeripheralIdentity(tt.device, tt.services)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.device, id.Name())
		})
	}
}

func TestPeripheralIdentity_Immutable(t *testing.T) {
	value := []byte{0x01}
	services := []ServiceDescriptor{{
		UUID:            testServiceUUID,
		Characteristics: []CharacteristicDescriptor{{UUID: "2A37", Properties: PropRead, Value: value}},
	}}
	id, err := NewPeripheralIdentity("Device", services)
	require.NoError(t, err)

	value[0] = 0xFF
	services[0].UUID = "180D"
	got := id.Services()
	assert.Equal(t, testServiceUUID, got[0].UUID)
	assert.Equal(t, []byte{0x01}, got[0].Characteristics[0].Value)

	got[0].Characteristics[0].Value[0] = 0xEE
	assert.Equal(t, []byte{0x01}, id.Services()[0].Characteristics[0].Value)
	assert.Equal(t, []string{testServiceUUID}, id.ServiceUUIDs())
}
