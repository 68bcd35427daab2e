package testutils

import (
	"context"
	"sync"

	"github.com/srg/mwstream/internal/device"
)

// FakeRadio is an in-memory device.Radio.
//
// Advertisements passed to Advertise are delivered synchronously to the
// handler of the running Scan; with no scan running they are dropped, as a
// real radio would.
type FakeRadio struct {
	mu       sync.Mutex
	handler  func(device.Advertisement)
	scanErr  error
	scans    int
	dialErrs map[device.Address]error
	dials    map[device.Address]int
	links    map[device.Address][]*FakeLink
	prepared map[device.Address][]*FakeLink
	dialGate chan struct{}
}

// NewFakeRadio creates a radio where every Dial succeeds with a fresh FakeLink.
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{
		dialErrs: make(map[device.Address]error),
		dials:    make(map[device.Address]int),
		links:    make(map[device.Address][]*FakeLink),
		prepared: make(map[device.Address][]*FakeLink),
	}
}

// FailScan makes the next Scan calls return err immediately.
func (r *FakeRadio) FailScan(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanErr = err
}

// FailDial makes Dial to addr fail with err; nil clears the failure.
func (r *FakeRadio) FailDial(addr device.Address, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.dialErrs, addr)
	} else {
		r.dialErrs[addr] = err
	}
}

// BlockDial makes Dial wait until release is called or its context is done.
func (r *FakeRadio) BlockDial() (release func()) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.dialGate = ch
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(ch)
			r.mu.Lock()
			r.dialGate = nil
			r.mu.Unlock()
		})
	}
}

// PrepareLink queues link to be returned by the next Dial to its address.
func (r *FakeRadio) PrepareLink(link *FakeLink) *FakeLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepared[link.Address()] = append(r.prepared[link.Address()], link)
	return link
}

// Link returns the most recent link dialled for addr, or nil.
func (r *FakeRadio) Link(addr device.Address) *FakeLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls := r.links[addr]
	if len(ls) == 0 {
		return nil
	}
	return ls[len(ls)-1]
}

// Dials returns how many times addr was dialled.
func (r *FakeRadio) Dials(addr device.Address) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials[addr]
}

// IsScanning reports whether a Scan is in progress.
func (r *FakeRadio) IsScanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler != nil
}

// Scans returns how many times Scan was started.
func (r *FakeRadio) Scans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scans
}

// Advertise delivers ads to the running scan. It reports whether a scan was
// running to receive them.
func (r *FakeRadio) Advertise(ads ...device.Advertisement) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handler == nil {
		return false
	}
	for _, ad := range ads {
		r.handler(ad)
	}
	return true
}

func (r *FakeRadio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	r.mu.Lock()
	r.scans++
	if r.scanErr != nil {
		err := r.scanErr
		r.mu.Unlock()
		return err
	}
	r.handler = handler
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	r.handler = nil
	r.mu.Unlock()
	return ctx.Err()
}

func (r *FakeRadio) Dial(ctx context.Context, addr device.Address) (device.Link, error) {
	r.mu.Lock()
	r.dials[addr]++
	gate := r.dialGate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.dialErrs[addr]; err != nil {
		return nil, err
	}

	var link *FakeLink
	if q := r.prepared[addr]; len(q) > 0 {
		link, r.prepared[addr] = q[0], q[1:]
	} else {
		link = NewFakeLink(addr)
	}
	r.links[addr] = append(r.links[addr], link)
	return link, nil
}
