package koji

import (
	"strings"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/prometheus"
)

// hubLogger feeds the retrying hub transport into logrus. Retries are
// counted and logged at info level so a flaky hub is visible in the
// global log without --verbose.
type hubLogger struct {
	log *logrus.Logger
}

func newHubLogger(log *logrus.Logger) rh.LeveledLogger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &hubLogger{log: log}
}

func (h *hubLogger) entry(kv []interface{}) *logrus.Entry {
	f := logrus.Fields{"component": "koji-hub"}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			f[key] = kv[i+1]
		}
	}
	return h.log.WithFields(f)
}

func (h *hubLogger) Error(msg string, kv ...interface{}) {
	h.entry(kv).Error(msg)
}

func (h *hubLogger) Warn(msg string, kv ...interface{}) {
	h.entry(kv).Warn(msg)
}

func (h *hubLogger) Info(msg string, kv ...interface{}) {
	h.entry(kv).Info(msg)
}

func (h *hubLogger) Debug(msg string, kv ...interface{}) {
	if strings.Contains(msg, "retrying") {
		prometheus.KojiRetries.Inc()
		h.entry(kv).Info(msg)
		return
	}
	h.entry(kv).Debug(msg)
}
