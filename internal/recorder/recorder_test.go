package recorder_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/internal/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var board = device.MustParseAddress("D1:2E:0A:11:22:33")

func openRecorder(t *testing.T) *recorder.Recorder {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	rec, err := recorder.Open(filepath.Join(t.TempDir(), "nested", "samples.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })
	return rec
}

func accel(x, y, z float32, ts time.Time) device.Sample {
	return device.Sample{Address: board, Module: device.Accelerometer, Timestamp: ts, Acceleration: &device.Acceleration{X: x, Y: y, Z: z}}
}

func quat(w float32, ts time.Time) device.Sample {
	return device.Sample{Address: board, Module: device.SensorFusion, Timestamp: ts, Quaternion: &device.Quaternion{W: w}}
}

func TestOpen_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.db")

	rec, err := recorder.Open(path, nil)
	require.NoError(t, err)
	v, err := rec.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, rec.Close())

	rec, err = recorder.Open(path, nil)
	require.NoError(t, err, "reopening MUST skip applied migrations")
	defer rec.Close()
	assert.Equal(t, path, rec.Path())
}

func TestSession_ConsumeUntilClosed(t *testing.T) {
	rec := openRecorder(t)
	sess, err := rec.Begin(board, "combined")
	require.NoError(t, err)
	sess.BatchSize = 2

	base := time.Unix(1700000000, 0)
	in := make(chan device.Sample, 8)
	in <- accel(0, 0, 1, base)
	in <- quat(1, base.Add(time.Millisecond))
	in <- accel(0.5, -0.5, 0, base.Add(2*time.Millisecond))
	close(in)

	require.NoError(t, sess.Consume(context.Background(), in))
	assert.EqualValues(t, 3, sess.Written())

	got, err := rec.Samples(sess.ID())
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, device.Accelerometer, got[0].Module)
	assert.Equal(t, device.Acceleration{Z: 1}, *got[0].Acceleration)
	assert.Nil(t, got[0].Quaternion)
	assert.True(t, base.Equal(got[0].Timestamp))

	assert.Equal(t, device.SensorFusion, got[1].Module)
	assert.Equal(t, float32(1), got[1].Quaternion.W)
	assert.Nil(t, got[1].Acceleration)

	assert.Equal(t, device.Acceleration{X: 0.5, Y: -0.5}, *got[2].Acceleration)
	assert.Equal(t, board, got[2].Address)

	sessions, err := rec.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, sess.ID(), sessions[0].ID)
	assert.Equal(t, board, sessions[0].Address)
	assert.Equal(t, "combined", sessions[0].Scenario)
	assert.EqualValues(t, 3, sessions[0].SampleCount)
	assert.NotNil(t, sessions[0].EndedAt)
}

func TestSession_ConsumeStopsOnCancel(t *testing.T) {
	rec := openRecorder(t)
	sess, err := rec.Begin(board, "accel")
	require.NoError(t, err)
	sess.FlushInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan device.Sample)
	done := make(chan error, 1)
	go func() { done <- sess.Consume(ctx, in) }()

	in <- accel(1, 0, 0, time.Now())
	require.Eventually(t, func() bool {
		s, err := rec.Samples(sess.ID())
		return err == nil && len(s) == 1
	}, time.Second, 5*time.Millisecond, "a partial batch MUST be flushed on the interval")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after cancel")
	}

	require.NoError(t, sess.SetDropped(7))
	sessions, err := rec.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.EqualValues(t, 7, sessions[0].Dropped)
	assert.EqualValues(t, 1, sessions[0].SampleCount)
}

func TestSamples_UnknownSession(t *testing.T) {
	rec := openRecorder(t)

	_, err := rec.Samples("missing")

	assert.ErrorContains(t, err, "not found")
}

func TestSessions_Ordered(t *testing.T) {
	rec := openRecorder(t)
	first, err := rec.Begin(board, "accel")
	require.NoError(t, err)
	require.NoError(t, first.End())
	second, err := rec.Begin(device.MustParseAddress("2B:00:00:00:00:02"), "fusion")
	require.NoError(t, err)

	sessions, err := rec.Sessions()
	require.NoError(t, err)

	require.Len(t, sessions, 2)
	assert.Equal(t, first.ID(), sessions[0].ID)
	assert.Equal(t, second.ID(), sessions[1].ID)
	assert.NotNil(t, sessions[0].EndedAt)
	assert.Nil(t, sessions[1].EndedAt)
}
