//go:build !windows

package plog

import (
	"log/syslog"
	"sync"
)

// systemEscalator writes failure notices to the host syslog. The writer is
// opened lazily so that hosts without a syslog daemon only fail when a
// failure actually needs escalating.
type systemEscalator struct {
	mu sync.Mutex
	w  *syslog.Writer
}

func newSystemEscalator() Escalator {
	return &systemEscalator{}
}

func (e *systemEscalator) Emit(msg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.w == nil {
		w, err := syslog.New(syslog.LOG_ERR|syslog.LOG_DAEMON, "pressbak")
		if err != nil {
			return err
		}
		e.w = w
	}
	return e.w.Err(msg)
}
