package main

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/mwstream/board"
	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/internal/groutine"
	"github.com/srg/mwstream/internal/recorder"
)

// openRecorder opens the sample database (can be overridden in tests)
var openRecorder = recorder.Open

// sampleSink feeds a recorder session from the sample pump.
type sampleSink struct {
	rec     *recorder.Recorder
	session *recorder.Session
	logger  *logrus.Logger
	ch      chan device.Sample

	exited   chan struct{}
	err      error // set before exited is closed
	lost     int64
	lostOnce sync.Once
}

func openSink(path string, addr device.Address, scenario board.Scenario, logger *logrus.Logger) (*sampleSink, error) {
	rec, err := openRecorder(path, logger)
	if err != nil {
		return nil, err
	}
	session, err := rec.Begin(addr, scenario.String())
	if err != nil {
		_ = rec.Close()
		return nil, err
	}

	s := &sampleSink{
		rec:     rec,
		session: session,
		logger:  logger,
		ch:      make(chan device.Sample, 1024),
		exited:  make(chan struct{}),
	}
	groutine.Go(context.Background(), "sample-recorder", func(ctx context.Context) {
		defer close(s.exited)
		s.err = session.Consume(ctx, s.ch)
	})
	return s, nil
}

// Add queues a sample. It is only called from the sample pump.
// Once the recorder has stopped, samples are discarded and the
// recorder's error is returned.
func (s *sampleSink) Add(sample device.Sample) error {
	select {
	case <-s.exited:
	default:
		select {
		case s.ch <- sample:
			return nil
		case <-s.exited:
		}
	}

	s.lost++
	err := s.err
	if err == nil {
		err = errors.New("recorder stopped")
	}
	s.lostOnce.Do(func() {
		s.logger.WithError(err).Error("Recorder stopped, samples are no longer recorded")
	})
	return err
}

// Close flushes queued samples, ends the session and closes the database.
func (s *sampleSink) Close(dropped int64) error {
	close(s.ch)
	<-s.exited
	err := s.err
	if s.lost > 0 {
		s.logger.WithField("samples", s.lost).Warn("Samples discarded after the recorder stopped")
	}
	if dropped > 0 {
		err = errors.Join(err, s.session.SetDropped(uint64(dropped)))
	}
	return errors.Join(err, s.rec.Close())
}
