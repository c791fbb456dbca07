//go:build integration

package log

import (
	"fmt"
	"os"
	"time"
)

// Status prints a timestamped status message for immediate display during tests.
func Status(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stdout, "[%s] "+format+"\n", append([]any{time.Now().Format(time.TimeOnly)}, args...)...)
}
