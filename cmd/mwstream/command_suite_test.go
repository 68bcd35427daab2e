package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/internal/testutils"
	"github.com/srg/mwstream/pkg/config"
)

// Test board addresses
const (
	TestBoardAddress1 = "D1:2E:0A:11:22:33"
	TestBoardAddress2 = "E6:1F:69:18:13:38"
)

// fastConfig keeps connection interval settling out of test time.
const fastConfig = `
streaming:
  accelerometer:
    interval_settle: 10ms
`

// CommandTestSuite runs commands against the suite's FakeRadio.
// All cmd/mwstream suites embed it.
type CommandTestSuite struct {
	testutils.RadioSuite

	originalRadioFactory func(*config.Config, *logrus.Logger) (device.Radio, error)
	runs                 []*commandRun
}

func (s *CommandTestSuite) SetupTest() {
	s.RadioSuite.SetupTest()

	s.originalRadioFactory = radioFactory
	radioFactory = func(*config.Config, *logrus.Logger) (device.Radio, error) {
		return s.Radio, nil
	}
	resetFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	for _, r := range s.runs {
		r.in.Close()
	}
	s.runs = nil
	radioFactory = s.originalRadioFactory
}

// WriteConfig writes a YAML config file and returns its path.
func (s *CommandTestSuite) WriteConfig(body string) string {
	path := filepath.Join(s.T().TempDir(), "mwstream.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(body), 0o600))
	return path
}

// Start runs the root command with args in the background. Keys are fed
// through the returned run.
func (s *CommandTestSuite) Start(args ...string) *commandRun {
	pr, pw := io.Pipe()
	r := &commandRun{
		suite: s,
		in:    pw,
		errc:  make(chan error, 1),
	}
	s.runs = append(s.runs, r)

	rootCmd.SetIn(pr)
	rootCmd.SetOut(&r.stdout)
	rootCmd.SetErr(&r.stderr)
	rootCmd.SetArgs(append([]string{}, args...))

	go func() { r.errc <- rootCmd.ExecuteContext(context.Background()) }()
	return r
}

// ExecuteCommand runs the root command with args and no input.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	r := s.Start(args...)
	r.in.Close()
	err := r.Wait()
	return r.Output(), err
}

// commandRun is a command executing in the background.
type commandRun struct {
	suite  *CommandTestSuite
	in     *io.PipeWriter
	stdout syncBuffer
	stderr syncBuffer
	errc   chan error
}

// Type feeds keys to the command's input.
func (r *commandRun) Type(keys string) {
	_, err := io.WriteString(r.in, keys)
	r.suite.Require().NoError(err, "input MUST be accepted")
}

// Output returns stdout and stderr captured so far.
func (r *commandRun) Output() string {
	return r.stdout.String() + r.stderr.String()
}

// WaitOutput waits until the output contains want.
func (r *commandRun) WaitOutput(want string) {
	r.suite.Eventually(func() bool {
		return strings.Contains(r.Output(), want)
	}, "output MUST contain %q, got:\n%s", want, r.Output())
}

// Wait returns the command's error.
func (r *commandRun) Wait() error {
	select {
	case err := <-r.errc:
		return err
	case <-time.After(5 * time.Second):
		r.suite.FailNow("command did not finish", r.Output())
		return nil
	}
}

// syncBuffer is a bytes.Buffer safe for the command's writer goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// resetFlags restores every flag of cmd and its subcommands to its default.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
