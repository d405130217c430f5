package koji

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubLogger(t *testing.T) {
	type testCase struct {
		msg   string
		level logrus.Level
	}
	tests := map[string]testCase{
		"retry-promoted": {
			msg:   "POST https://koji.example.com/kojihub retrying in 1s (2 left)",
			level: logrus.InfoLevel,
		},
		"plain-debug": {
			msg:   "performing request",
			level: logrus.DebugLevel,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			log, hook := test.NewNullLogger()
			log.SetLevel(logrus.DebugLevel)
			newHubLogger(log).Debug(tc.msg, "method", "POST", 42, "ignored")

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, tc.level, entry.Level)
			assert.Equal(t, "POST", entry.Data["method"])
			assert.Equal(t, "koji-hub", entry.Data["component"])
			assert.Len(t, entry.Data, 2)
		})
	}
}
