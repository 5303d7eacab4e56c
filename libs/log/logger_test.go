package log_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltwatch/towerd/libs/log"
)

func TestNewDefaultLogger(t *testing.T) {
	testCases := map[string]struct {
		format    string
		level     string
		expectErr bool
	}{
		"invalid format": {
			format:    "foo",
			level:     log.LogLevelInfo,
			expectErr: true,
		},
		"invalid level": {
			format:    log.LogFormatJSON,
			level:     "foo",
			expectErr: true,
		},
		"valid format and level": {
			format:    log.LogFormatJSON,
			level:     log.LogLevelInfo,
			expectErr: false,
		},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			_, err := log.NewDefaultLogger(tc.format, tc.level, bytes.NewBuffer(nil))
			if tc.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDefaultLoggerJSON(t *testing.T) {
	var buf bytes.Buffer

	logger := log.MustNewDefaultLogger(log.LogFormatJSON, log.LogLevelInfo, &buf)
	logger.Info("hello", "height", 42)
	logger.Debug("dropped", "height", 43)

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "hello", event["message"])
	assert.EqualValues(t, 42, event["height"])
	assert.NotContains(t, buf.String(), "dropped")
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer

	logger := log.MustNewDefaultLogger(log.LogFormatJSON, log.LogLevelDebug, &buf)
	logger.With("module", "watcher").Error("boom")

	require.True(t, strings.Contains(buf.String(), `"module":"watcher"`))
}
