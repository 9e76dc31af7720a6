// Package jail implements the manifest-driven chroot constructor: policy
// authorization, filesystem materialization, ownership painting, mount
// replay, and non-destructive teardown.
package jail

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// BuildError wraps a recoverable filesystem error with the path that
// produced it. A BuildError never aborts a Build; it is appended to the
// build's accumulator and the sticky exit status is set.
type BuildError struct {
	Path string
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Tracer renders the pseudo-shell dry-run/verbose trace language described
// in SPEC_FULL.md §4.9/§6. A nil Tracer is a valid no-op sink.
type Tracer struct {
	w       io.Writer
	enabled bool
}

// NewTracer returns a Tracer that writes to w when enabled is true.
func NewTracer(w io.Writer, enabled bool) *Tracer {
	return &Tracer{w: w, enabled: enabled}
}

func (t *Tracer) Printf(format string, args ...any) {
	if t == nil || !t.enabled {
		return
	}
	fmt.Fprintf(t.w, format+"\n", args...)
}

// recordError appends a recoverable error to the build's accumulator and
// logs it with the offending path, matching the original's perror_fail:
// diagnosis continues for the remaining manifest entries, but exit_value
// becomes sticky.
func (b *Build) recordError(path string, err error) {
	be := &BuildError{Path: path, Err: err}
	b.errs = append(b.errs, be)
	logrus.WithField("path", path).Error(err)
}

// Err joins every recoverable error recorded during the build. A nil
// return means the build produced no filesystem errors; it says nothing
// about whether a fatal error aborted the build earlier (that is reported
// directly by the function that raised it).
func (b *Build) Err() error {
	return errors.Join(b.errs...)
}

// logWarnf reports a non-fatal advisory that has no path to attach to a
// Build (e.g. an ignored JAIL61 file discovered before a Build exists).
func logWarnf(format string, args ...any) {
	logrus.Warnf(format, args...)
}
