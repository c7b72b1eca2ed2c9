package coordinator

import (
	"fmt"

	"github.com/agentworkforce/relaydraft/internal/mutationqueue"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
)

// Notice is a user-facing message about where a write ended up.
type Notice struct {
	Level   Level
	Key     string
	Message string
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) {
	f(n)
}

// LogNotifier prints notices through a Logger.
type LogNotifier struct {
	Logger Logger
}

func (n LogNotifier) Notify(notice Notice) {
	if n.Logger == nil {
		return
	}
	if notice.Key != "" {
		n.Logger.Printf("[%s] %s: %s", notice.Level, notice.Key, notice.Message)
		return
	}
	n.Logger.Printf("[%s] %s", notice.Level, notice.Message)
}

// FailedHandler turns a mutation that ran out of retries into a warning.
// It is meant for mutationqueue.Options.OnFailed.
func FailedHandler(notifier Notifier) func(mutationqueue.Mutation) {
	return func(m mutationqueue.Mutation) {
		if notifier == nil {
			return
		}
		notifier.Notify(Notice{
			Level:   LevelWarning,
			Key:     m.ID,
			Message: fmt.Sprintf("could not sync %s %s after %d attempts, retry or discard it: %s", m.Operation, m.EntityType, m.Attempts, m.LastError),
		})
	}
}
