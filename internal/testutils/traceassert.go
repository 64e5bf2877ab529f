package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"

	"github.com/srg/bthost/internal/host"
)

// TestingT matches the methods we need from testing.T.
type TestingT interface {
	Errorf(format string, args ...interface{})
	Helper()
}

type TraceAssertOptions struct {
	// IncludeDevice prefixes each line with "profile@device".
	IncludeDevice bool `default:"false"`
	// IncludeErrors appends the transition error, when set.
	IncludeErrors bool `default:"true"`
	EnableColors  bool `default:"false"`
}

// TraceOption is a functional option for configuring a StateRecorder.
type TraceOption func(*TraceAssertOptions)

func WithDevice() TraceOption {
	return func(o *TraceAssertOptions) { o.IncludeDevice = true }
}

func WithColors() TraceOption {
	return func(o *TraceAssertOptions) { o.EnableColors = true }
}

// StateRecorder registers itself on a broadcaster and records every service
// transition as one line of text, so a whole scenario's state history can
// be asserted in a single diff.
type StateRecorder struct {
	id      uint
	bcast   *host.Broadcaster
	options TraceAssertOptions
	lines   []string
}

// NewStateRecorder attaches a recorder to the broadcaster.
func NewStateRecorder(bcast *host.Broadcaster, opts ...TraceOption) *StateRecorder {
	options := TraceAssertOptions{}
	defaults.SetDefaults(&options)
	for _, opt := range opts {
		opt(&options)
	}

	r := &StateRecorder{bcast: bcast, options: options}
	r.id = bcast.AddStateCallback(r.record)
	return r
}

func (r *StateRecorder) record(svc *host.Service, old, new host.State) {
	var b strings.Builder
	if r.options.IncludeDevice && svc.Profile() != nil && svc.Device() != nil {
		fmt.Fprintf(&b, "%s@%s: ", svc.Profile().Name, svc.Device().Address())
	}
	fmt.Fprintf(&b, "%s -> %s", old, new)
	if r.options.IncludeErrors && svc.Err() != nil {
		fmt.Fprintf(&b, " (%v)", svc.Err())
	}
	r.lines = append(r.lines, b.String())
}

// Detach removes the recorder from its broadcaster.
func (r *StateRecorder) Detach() {
	r.bcast.RemoveStateCallback(r.id)
}

// Reset clears the recorded trace.
func (r *StateRecorder) Reset() {
	r.lines = nil
}

// Trace returns the recorded transitions, one per line.
func (r *StateRecorder) Trace() string {
	return strings.Join(r.lines, "\n")
}

// Len reports the number of recorded transitions.
func (r *StateRecorder) Len() int { return len(r.lines) }

// Assert compares the recorded trace against expected and reports a
// unified diff on mismatch. Leading/trailing whitespace per line is
// ignored so expectations can be written as indented raw strings.
func (r *StateRecorder) Assert(t TestingT, expected string) {
	t.Helper()

	actual := normalizeTrace(r.Trace())
	want := normalizeTrace(expected)
	if actual == want {
		return
	}

	edits := myers.ComputeEdits("", want, actual)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	t.Errorf("state trace mismatch:\n%s", r.colorize(unified))
}

func normalizeTrace(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n") + "\n"
}

func (r *StateRecorder) colorize(diff string) string {
	if !r.options.EnableColors {
		return diff
	}

	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()

	var out []string
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "-"):
			out = append(out, red.Sprint(line))
		case strings.HasPrefix(line, "+"):
			out = append(out, green.Sprint(line))
		default:
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
