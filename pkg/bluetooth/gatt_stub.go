//go:build !linux

package bluetooth

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// GattFactory returns a factory that always fails; paypal/gatt drives HCI sockets on Linux only
func GattFactory(opts GattOptions) StackFactory {
	return func() (Stack, error) {
		log.Warn("pkg bluetooth; Bluetooth is only supported on Linux. Use -sim to run without an adapter.")
		return nil, errors.New("gatt stack is only supported on linux")
	}
}
