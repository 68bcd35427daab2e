package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/mwstream/internal/device"
)

// Session records the samples of one streaming run.
type Session struct {
	rec     *Recorder
	id      string
	address device.Address

	BatchSize     int
	FlushInterval time.Duration

	written int64
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// Written returns the number of samples persisted so far.
func (s *Session) Written() int64 { return s.written }

// Consume persists samples until ctx is done or samples is closed, then ends
// the session. A cancelled ctx is a normal stop and returns nil.
func (s *Session) Consume(ctx context.Context, samples <-chan device.Sample) error {
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	flushEvery := s.FlushInterval
	if flushEvery <= 0 {
		flushEvery = DefaultFlushInterval
	}

	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]device.Sample, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.insert(batch)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return s.finish(flush())

		case sample, ok := <-samples:
			if !ok {
				return s.finish(flush())
			}
			batch = append(batch, sample)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return s.finish(err)
				}
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				return s.finish(err)
			}
		}
	}
}

// End marks the session complete without consuming samples.
func (s *Session) End() error {
	return s.finish(nil)
}

// SetDropped records how many samples were lost before reaching the session.
func (s *Session) SetDropped(n uint64) error {
	_, err := s.rec.db.Exec("UPDATE sessions SET dropped = ? WHERE session_id = ?", n, s.id)
	if err != nil {
		return fmt.Errorf("failed to update dropped count: %w", err)
	}
	return nil
}

func (s *Session) finish(cause error) error {
	endedAt := time.Now().UTC()
	_, err := s.rec.db.Exec(`
		UPDATE sessions
		SET ended_at = ?, sample_count = ?
		WHERE session_id = ?
	`, endedAt.Format(time.RFC3339Nano), s.written, s.id)
	if err != nil {
		err = fmt.Errorf("failed to end session: %w", err)
	}

	s.rec.logger.WithFields(logrus.Fields{
		"address": s.address,
		"session": s.id,
		"samples": s.written,
	}).Info("Recording session ended")

	if cause != nil {
		return cause
	}
	return err
}

func (s *Session) insert(batch []device.Sample) error {
	tx, err := s.rec.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO samples (session_id, module, ts_ns, ax, ay, az, qw, qx, qy, qz)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, smp := range batch {
		var ax, ay, az, qw, qx, qy, qz sql.NullFloat64
		if a := smp.Acceleration; a != nil {
			ax, ay, az = nullFloat(a.X), nullFloat(a.Y), nullFloat(a.Z)
		}
		if q := smp.Quaternion; q != nil {
			qw, qx, qy, qz = nullFloat(q.W), nullFloat(q.X), nullFloat(q.Y), nullFloat(q.Z)
		}
		if _, err := stmt.Exec(s.id, int(smp.Module), smp.Timestamp.UnixNano(), ax, ay, az, qw, qx, qy, qz); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
			}
			return fmt.Errorf("failed to insert sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.written += int64(len(batch))
	return nil
}

func nullFloat(f float32) sql.NullFloat64 {
	return sql.NullFloat64{Float64: float64(f), Valid: true}
}
