package testutils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the part of testing.T the asserter needs.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// ConsoleOptions controls how captured console output is normalized before
// comparison.
type ConsoleOptions struct {
	StripANSI                bool `default:"true"`
	ResolveCarriageReturns   bool `default:"true"`
	IgnoreTrailingWhitespace bool `default:"true"`
	IgnoreEmptyLines         bool `default:"false"`
	TrimSpace                bool `default:"true"`
	ColorDiff                bool `default:"false"`
}

// ConsoleOption configures a ConsoleAsserter.
type ConsoleOption func(*ConsoleOptions)

// ConsoleAsserter compares what a command printed against the text a user
// would see on the terminal: colors are dropped and redrawn status lines
// keep only their final state.
type ConsoleAsserter struct {
	t       TestingT
	options ConsoleOptions
}

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

// NewConsoleAsserter creates an asserter with the default options.
func NewConsoleAsserter(t TestingT, opts ...ConsoleOption) *ConsoleAsserter {
	o := ConsoleOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &ConsoleAsserter{t: t, options: o}
}

// Options returns the effective options.
func (ca *ConsoleAsserter) Options() ConsoleOptions {
	return ca.options
}

// Assert fails with a unified diff when actual and expected differ after
// normalization.
func (ca *ConsoleAsserter) Assert(actual, expected string) bool {
	ca.t.Helper()
	if diff := ca.Diff(actual, expected); diff != "" {
		ca.t.Errorf("Console output mismatch:\n%s", diff)
		return false
	}
	return true
}

// AssertLines fails unless every expected line appears, in order, in actual.
func (ca *ConsoleAsserter) AssertLines(actual string, expected ...string) bool {
	ca.t.Helper()
	lines := strings.Split(ca.Normalize(actual), "\n")
	next := 0
	for _, want := range expected {
		for next < len(lines) && !strings.Contains(lines[next], want) {
			next++
		}
		if next == len(lines) {
			ca.t.Errorf("Console output is missing %q (in order) in:\n%s", want, ca.Normalize(actual))
			return false
		}
		next++
	}
	return true
}

// Diff returns a unified diff, or "" when the normalized texts match.
func (ca *ConsoleAsserter) Diff(actual, expected string) string {
	a, e := ca.Normalize(actual), ca.Normalize(expected)
	if a == e {
		return ""
	}
	edits := myers.ComputeEdits("", e, a)
	return ca.colorize(fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits)))
}

// Normalize applies the configured transformations to text.
func (ca *ConsoleAsserter) Normalize(text string) string {
	o := ca.options
	if o.StripANSI {
		text = ansiSequence.ReplaceAllString(text, "")
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var out []string
	for _, line := range strings.Split(text, "\n") {
		if o.ResolveCarriageReturns {
			if i := strings.LastIndexByte(line, '\r'); i >= 0 {
				line = line[i+1:]
			}
		}
		if o.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t")
		}
		if o.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}

	text = strings.Join(out, "\n")
	if o.TrimSpace {
		text = strings.TrimSpace(text)
	}
	return text
}

func (ca *ConsoleAsserter) colorize(diff string) string {
	if !ca.options.ColorDiff {
		return diff
	}

	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(visibleWhitespace(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(visibleWhitespace(line))
		}
	}
	return strings.Join(lines, "\n")
}

func visibleWhitespace(line string) string {
	return strings.NewReplacer(" ", "·", "\t", "→").Replace(line)
}

// WithStripANSI toggles removal of color and cursor escape sequences.
func WithStripANSI(strip bool) ConsoleOption {
	return func(o *ConsoleOptions) { o.StripANSI = strip }
}

// WithResolveCarriageReturns toggles keeping only the last redraw of a line.
func WithResolveCarriageReturns(resolve bool) ConsoleOption {
	return func(o *ConsoleOptions) { o.ResolveCarriageReturns = resolve }
}

func WithIgnoreEmptyLines(ignore bool) ConsoleOption {
	return func(o *ConsoleOptions) { o.IgnoreEmptyLines = ignore }
}

func WithTrimSpace(trim bool) ConsoleOption {
	return func(o *ConsoleOptions) { o.TrimSpace = trim }
}

// WithColorDiff colors the failure diff.
func WithColorDiff(enable bool) ConsoleOption {
	return func(o *ConsoleOptions) { o.ColorDiff = enable }
}
