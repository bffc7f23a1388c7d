// Package notify delivers transient inbox notifications to the log and to
// connected UI clients.
package notify

import (
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/inboxd/internal/inbox"
)

// Log writes notifications to a logger.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(n inbox.Notification) {
	evt := l.log.Info()
	if n.Level == inbox.LevelError {
		evt = l.log.Warn()
	}
	evt.Str("level", string(n.Level)).Str("conversation", n.ConversationID).Msg(n.Text)
}

// Multi fans a notification out to every notifier.
type Multi []inbox.Notifier

func (m Multi) Notify(n inbox.Notification) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(n)
		}
	}
}
