// Package logger wires the orchestrator's components to logharbour, the
// teacher's structured-logging library. It exists only to give every
// component a one-line way to get a named logger; call sites use the
// *logharbour.Logger API directly (Info/Warn/Error/Debug0().LogActivity(...))
// exactly as the teacher's jobs package does.
package logger

import (
	"io"
	"os"

	"github.com/remiges-tech/logharbour/logharbour"
)

// New returns a logharbour.Logger tagged with the given component name,
// writing to w (os.Stdout if nil).
func New(component string, w io.Writer) *logharbour.Logger {
	if w == nil {
		w = os.Stdout
	}
	return logharbour.NewLogger(&logharbour.LoggerContext{}, component, w)
}
