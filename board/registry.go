package board

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/mwstream/internal/device"
)

// Registry tracks the boards of one running system, keyed by address. It is
// the only place connections are created and dropped.
type Registry struct {
	radio  device.Radio
	opts   *Options
	logger *logrus.Logger

	// mu orders inserts and removals; lookups go straight to the map.
	mu     sync.Mutex
	boards *hashmap.Map[device.Address, *Connection]
}

func NewRegistry(radio device.Radio, opts *Options, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Registry{
		radio:  radio,
		opts:   opts,
		logger: logger,
		boards: hashmap.New[device.Address, *Connection](),
	}
}

// Connect returns the connection for addr, connecting it first if needed.
// A board that is already connected is returned as is, without repeating the
// handshake. A failed first connect leaves no entry behind.
func (r *Registry) Connect(ctx context.Context, addr device.Address) (*Connection, error) {
	for {
		c := r.getOrCreate(addr)

		err := c.Connect(ctx)
		switch {
		case err == nil:
			return c, nil
		case device.IsConnectionState(err, device.AlreadyConnected):
			r.logger.WithField("address", addr.String()).Debug("Board already connected")
			return c, nil
		case errors.Is(err, errRetired):
			r.forget(c)
			continue
		}

		if c.retireIfIdle() {
			r.forget(c)
		}
		return nil, err
	}
}

// Disconnect tears the board down and drops it from the registry. The entry
// is removed even when teardown reports a failure.
func (r *Registry) Disconnect(ctx context.Context, addr device.Address) error {
	c, ok := r.boards.Get(addr)
	if !ok {
		return &device.ConnectionError{State: device.NotConnected, Msg: fmt.Sprintf("board %s is not registered", addr)}
	}

	err := c.disconnect(ctx, true)
	r.forget(c)
	if err != nil {
		r.logger.WithError(err).WithField("address", addr.String()).Warn("Board was not connected")
	}
	return err
}

// Get returns the registered connection for addr.
func (r *Registry) Get(addr device.Address) (*Connection, bool) {
	return r.boards.Get(addr)
}

// Contains reports whether addr has a registry entry in any state.
func (r *Registry) Contains(addr device.Address) bool {
	_, ok := r.boards.Get(addr)
	return ok
}

// Connected returns the addresses of Ready and Streaming boards in ascending
// order.
func (r *Registry) Connected() []device.Address {
	var out []device.Address
	r.boards.Range(func(addr device.Address, c *Connection) bool {
		if st := c.State(); st == Ready || st == Streaming {
			out = append(out, addr)
		}
		return true
	})
	slices.Sort(out)
	return out
}

// Len returns the number of registry entries.
func (r *Registry) Len() int {
	return r.boards.Len()
}

// Close disconnects every board.
func (r *Registry) Close(ctx context.Context) error {
	var addrs []device.Address
	r.boards.Range(func(addr device.Address, _ *Connection) bool {
		addrs = append(addrs, addr)
		return true
	})

	var errs []error
	for _, addr := range addrs {
		err := r.Disconnect(ctx, addr)
		if err != nil && !device.IsConnectionState(err, device.NotConnected) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) getOrCreate(addr device.Address) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.boards.Get(addr); ok {
		return c
	}
	c := NewConnection(r.radio, addr, r.opts, r.logger)
	c.onRetire = r.forget
	r.boards.Set(addr, c)
	return c
}

// forget drops c if it is still the entry for its address.
func (r *Registry) forget(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.boards.Get(c.address); ok && cur == c {
		r.boards.Del(c.address)
		r.logger.WithField("address", c.address.String()).Debug("Board removed from registry")
	}
}
