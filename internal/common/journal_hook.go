// Inspired by github.com/wercker/journalhook (MIT license)
package common

import (
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	logrus "github.com/sirupsen/logrus"
)

// JournalHook forwards compose log entries to journald. Every entry is
// tagged with the compose id so that parallel composes on one host can be
// told apart with journalctl COMPOSE_ID=...
type JournalHook struct {
	ComposeID string
	MinLevel  logrus.Level
}

var (
	severityMap = map[logrus.Level]journal.Priority{
		logrus.TraceLevel: journal.PriDebug,
		logrus.DebugLevel: journal.PriDebug,
		logrus.InfoLevel:  journal.PriInfo,
		logrus.WarnLevel:  journal.PriWarning,
		logrus.ErrorLevel: journal.PriErr,
		logrus.FatalLevel: journal.PriCrit,
		logrus.PanicLevel: journal.PriEmerg,
	}
)

func journalKeyRune(r rune) rune {
	switch {
	case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		return r
	case r >= 'a' && r <= 'z':
		return r - 32
	default:
		return '_'
	}
}

// JournalKey converts a logrus field name into a valid journal field name.
func JournalKey(key string) string {
	return strings.TrimLeft(strings.Map(journalKeyRune, key), "_")
}

func journalFields(composeID string, data logrus.Fields) map[string]string {
	fields := make(map[string]string, len(data)+1)
	for k, v := range data {
		fields[JournalKey(k)] = fmt.Sprint(v)
	}
	if composeID != "" {
		fields["COMPOSE_ID"] = composeID
	}
	return fields
}

func (hook *JournalHook) Fire(entry *logrus.Entry) error {
	return journal.Send(entry.Message, severityMap[entry.Level], journalFields(hook.ComposeID, entry.Data))
}

func (hook *JournalHook) Levels() []logrus.Level {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= hook.MinLevel {
			levels = append(levels, l)
		}
	}
	return levels
}
