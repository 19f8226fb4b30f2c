package logger

import (
	"io"
	"os"
)

var stderr io.Writer = os.Stderr

// SetOutput redirects log output, e.g. to a buffer in tests. It rebuilds the
// shared logger with the given format.
func SetOutput(w io.Writer, format string) {
	stderr = w
	current.Store(build(format).Sugar())
}
