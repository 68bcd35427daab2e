package scanner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/internal/groutine"
	"github.com/srg/mwstream/internal/ringchan"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultServiceUUID is the MetaWear motion board service.
const DefaultServiceUUID = "326a9000-85cb-9195-d9dd-464cfbbae75a"

// DiscoveredDevice is a board seen advertising the required service.
// It is recorded once, on the first matching advertisement, and never updated.
type DiscoveredDevice struct {
	Address   device.Address
	Order     int // first-seen sequence, starting at 0
	Name      string
	RSSI      int
	FirstSeen time.Time
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	// ServiceUUID is the service a board must advertise to be recorded.
	ServiceUUID string
	AllowList   []device.Address
	BlockList   []device.Address
	// EventBuffer sizes the Discovered channel; the oldest event is dropped when full.
	EventBuffer int
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		ServiceUUID: DefaultServiceUUID,
		EventBuffer: 100,
	}
}

// Scanner discovers boards and keeps the deduplicated, first-seen ordered set
// of their addresses. The set only grows for the lifetime of the Scanner.
type Scanner struct {
	radio   device.Radio
	logger  *logrus.Logger
	opts    ScanOptions
	service string

	mu      sync.RWMutex
	devices *orderedmap.OrderedMap[device.Address, DiscoveredDevice]
	events  *ringchan.Channel[DiscoveredDevice]

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewScanner creates a scanner listening on radio.
func NewScanner(radio device.Radio, opts *ScanOptions, logger *logrus.Logger) (*Scanner, error) {
	if radio == nil {
		return nil, errors.New("scanner requires a radio")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultScanOptions()
	}
	o := *opts
	if o.ServiceUUID == "" {
		o.ServiceUUID = DefaultServiceUUID
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 100
	}

	service, err := device.ValidateUUID(o.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service filter: %w", err)
	}

	return &Scanner{
		radio:   radio,
		logger:  logger,
		opts:    o,
		service: service[0],
		devices: orderedmap.New[device.Address, DiscoveredDevice](),
		events:  ringchan.New[DiscoveredDevice](o.EventBuffer),
	}, nil
}

// Start begins listening for advertisements. Calling Start on an active
// scanner is a no-op.
func (s *Scanner) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
			// the previous scan ended on its own
			s.cancel()
			s.cancel, s.done = nil, nil
		default:
			return nil
		}
	}

	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done, s.err = cancel, done, nil

	s.logger.WithField("service", s.opts.ServiceUUID).Info("Starting BLE scan...")

	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		defer close(done)

		err := s.radio.Scan(ctx, s.handleAdvertisement)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = device.NormalizeError(err)
			s.logger.WithError(err).Error("BLE scan failed")
			s.runMu.Lock()
			s.err = fmt.Errorf("scan failed: %w", err)
			s.runMu.Unlock()
		}
	})
	return nil
}

// Stop stops listening and waits for the scan loop to exit. It is idempotent
// and returns the error that ended the scan, if any.
func (s *Scanner) Stop() error {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done == done {
		s.cancel, s.done = nil, nil
	}

	s.logger.WithField("device_count", s.Len()).Info("BLE scan completed")
	return s.err
}

// Active reports whether a scan is running.
func (s *Scanner) Active() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done returns a channel that is closed when the running scan loop exits,
// whether stopped or failed. It is already closed when no scan is running.
func (s *Scanner) Done() <-chan struct{} {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done == nil {
		return closedDone
	}
	return s.done
}

// Err returns the error that ended the last scan, if any.
func (s *Scanner) Err() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.err
}

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Results returns the discovered addresses in first-seen order. Each
// iteration walks a fresh snapshot, so the sequence may be ranged over again
// to observe later discoveries.
func (s *Scanner) Results() iter.Seq[device.Address] {
	return func(yield func(device.Address) bool) {
		for _, d := range s.Devices() {
			if !yield(d.Address) {
				return
			}
		}
	}
}

// Devices returns a snapshot of discovered devices in first-seen order.
func (s *Scanner) Devices() []DiscoveredDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devs := make([]DiscoveredDevice, 0, s.devices.Len())
	for pair := s.devices.Oldest(); pair != nil; pair = pair.Next() {
		devs = append(devs, pair.Value)
	}
	return devs
}

// Len returns the number of discovered devices.
func (s *Scanner) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices.Len()
}

// Discovered delivers each newly discovered device once.
func (s *Scanner) Discovered() <-chan DiscoveredDevice {
	return s.events.C()
}

// handleAdvertisement records the advertiser the first time it is seen
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	if !s.shouldIncludeDevice(adv) {
		return
	}
	addr := adv.Addr()

	s.mu.Lock()
	if _, seen := s.devices.Get(addr); seen {
		s.mu.Unlock()
		return
	}
	d := DiscoveredDevice{
		Address:   addr,
		Order:     s.devices.Len(),
		Name:      adv.LocalName(),
		RSSI:      adv.RSSI(),
		FirstSeen: time.Now(),
	}
	s.devices.Set(addr, d)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"device":  d.Name,
		"address": d.Address.String(),
		"rssi":    d.RSSI,
	}).Info("Discovered new device")

	s.events.Send(d)
}

// shouldIncludeDevice applies allow/block/service filters
func (s *Scanner) shouldIncludeDevice(adv device.Advertisement) bool {
	addr := adv.Addr()

	if slices.Contains(s.opts.BlockList, addr) {
		return false
	}
	if len(s.opts.AllowList) > 0 && !slices.Contains(s.opts.AllowList, addr) {
		return false
	}
	return device.ContainsUUID(adv.Services(), s.service)
}
