// Package goble implements device.Radio and device.Link on top of go-ble for
// MetaWear boards.
package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/mwstream/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

// Radio is a device.Radio backed by the host's BLE adapter.
type Radio struct {
	dev    ble.Device
	logger *logrus.Logger
	opts   *LinkOptions

	// go-ble devices support one dial at a time
	dialMu sync.Mutex
}

// NewRadio opens the host adapter through DeviceFactory.
func NewRadio(opts *LinkOptions, logger *logrus.Logger) (*Radio, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultLinkOptions()
	}

	dev, err := DeviceFactory()
	if err != nil {
		logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	return &Radio{dev: dev, logger: logger, opts: opts}, nil
}

// Scan delivers advertisements until ctx is done. Duplicates are filtered by
// the adapter; advertisements whose address is not a MAC are skipped.
func (r *Radio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		a, err := NewBLEAdvertisement(adv)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"address": adv.Addr().String(),
				"error":   err,
			}).Debug("Skipping advertisement")
			return
		}
		handler(a)
	}
	return NormalizeError(r.dev.Scan(ctx, false, bleHandler))
}

// Dial connects to the board at addr. The returned link still needs
// Initialize before any module command.
func (r *Radio) Dial(ctx context.Context, addr device.Address) (device.Link, error) {
	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	r.logger.WithField("address", addr).Debug("Dialing BLE device...")
	client, err := r.dev.Dial(ctx, ble.NewAddr(addr.String()))
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"address": addr,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", addr, NormalizeError(err))
	}
	return newLink(addr, client, r.opts, r.logger), nil
}

// Close stops the adapter.
func (r *Radio) Close() error {
	return NormalizeError(r.dev.Stop())
}
