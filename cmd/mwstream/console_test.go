package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsole_PromptAndWaitKey(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(strings.NewReader("  2 \nanything\n"), &out)

	answer, err := c.Prompt(context.Background(), "Pick: ")
	require.NoError(t, err)
	assert.Equal(t, "2", answer)
	assert.Equal(t, "Pick: ", out.String())

	require.NoError(t, c.WaitKey(context.Background()))

	_, err = c.Prompt(context.Background(), "Again: ")
	assert.ErrorIs(t, err, errInputClosed)
}

func TestConsole_PromptReturnsUnterminatedLine(t *testing.T) {
	c := newConsole(strings.NewReader("fusion"), io.Discard)

	answer, err := c.Prompt(context.Background(), "")

	require.NoError(t, err)
	assert.Equal(t, "fusion", answer)
}

func TestConsole_WaitKeyOnClosedInputWaitsForContext(t *testing.T) {
	c := newConsole(strings.NewReader(""), io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.WaitKey(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsole_WaitKeyReportsCause(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := newConsole(pr, io.Discard)
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrConnectionLost)

	assert.ErrorIs(t, c.WaitKey(ctx), ErrConnectionLost)
}

func TestCRLFWriter(t *testing.T) {
	var out bytes.Buffer
	w := &crlfWriter{w: &out}

	_, _ = io.WriteString(w, "a\nb\n")
	w.raw.Store(true)
	n, err := io.WriteString(w, "c\nd\n")

	require.NoError(t, err)
	assert.Equal(t, 4, n, "raw mode MUST report the caller's byte count")
	assert.Equal(t, "a\nb\nc\r\nd\r\n", out.String())
}

func TestProgressPrinter(t *testing.T) {
	var out syncBuffer
	p := NewProgressPrinter(&out, "Scanning", 0, func() string { return "3 found" })

	p.Start()
	assert.Panics(t, p.Start)
	time.Sleep(2 * progressUpdateInterval)
	p.Stop()
	p.Stop()

	got := out.String()
	assert.True(t, strings.HasPrefix(got, "\rScanning (0s, 3 found)   "), got)
	assert.True(t, strings.HasSuffix(got, clearLineSequence), "Stop MUST clear the line")
	assert.Greater(t, strings.Count(got, "\rScanning"), 1, "line MUST be redrawn")
}

func TestProgressPrinter_Countdown(t *testing.T) {
	var out bytes.Buffer
	p := NewProgressPrinter(&out, "Scanning", 5*time.Second, nil)
	p.start = time.Now()

	p.print()

	assert.Equal(t, "\rScanning (5s)   ", out.String())
}

func TestProgressPrinter_StopWithoutStart(t *testing.T) {
	var out bytes.Buffer
	NewProgressPrinter(&out, "x", 0, nil).Stop()

	assert.Empty(t, out.String())
}

func TestFormatSample(t *testing.T) {
	ts := time.Date(2026, 1, 2, 13, 4, 5, 678_000_000, time.Local)
	addr := device.MustParseAddress("D1:2E:0A:11:22:33")

	tests := []struct {
		name   string
		sample device.Sample
		want   string
	}{
		{
			"acceleration",
			device.Sample{Address: addr, Module: device.Accelerometer, Timestamp: ts, Acceleration: &device.Acceleration{X: 0.5, Y: -1, Z: 0.0625}},
			"13:04:05.678 accel x=+0.500 y=-1.000 z=+0.062 g",
		},
		{
			"quaternion",
			device.Sample{Address: addr, Module: device.SensorFusion, Timestamp: ts, Quaternion: &device.Quaternion{W: 1}},
			"13:04:05.678 quat  w=+1.000 x=+0.000 y=+0.000 z=+0.000",
		},
		{
			"empty",
			device.Sample{Address: addr, Module: device.SensorFusion, Timestamp: ts},
			"13:04:05.678 " + device.SensorFusion.String() + " (empty)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSample(tt.sample))
		})
	}
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name    string
		flags   map[string]string
		want    logrus.Level
		wantErr string
	}{
		{name: "silent by default", want: logrus.PanicLevel},
		{name: "verbose", flags: map[string]string{"verbose": "true"}, want: logrus.DebugLevel},
		{name: "log level wins over verbose", flags: map[string]string{"verbose": "true", "log-level": "warn"}, want: logrus.WarnLevel},
		{name: "invalid level", flags: map[string]string{"log-level": "chatty"}, wantErr: "invalid log level: chatty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			cmd.Flags().String("log-level", "", "")
			cmd.Flags().Bool("verbose", false, "")
			for k, v := range tt.flags {
				require.NoError(t, cmd.Flags().Set(k, v))
			}
			var errOut bytes.Buffer
			cmd.SetErr(&errOut)

			logger, err := configureLogger(cmd, config.DefaultConfig())
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr+" (must be debug, info, warn, or error)")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())

			logger.Warn("to stderr")
			if tt.want >= logrus.WarnLevel {
				assert.Contains(t, errOut.String(), "to stderr")
			}
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}
