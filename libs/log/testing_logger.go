package log

import (
	"os"
	"testing"
)

// TestingLogger returns a Logger which writes to STDOUT if the tests are run
// with the verbose (-v) flag, and discards all output otherwise.
//
// Note that the call to TestingLogger() must be made inside a test (not in
// the init func) because the verbose flag is only set at testing time.
func TestingLogger() Logger {
	if testing.Verbose() {
		return MustNewDefaultLogger(LogFormatPlain, LogLevelDebug, os.Stdout)
	}

	return NewNopLogger()
}
