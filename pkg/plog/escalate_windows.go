//go:build windows

package plog

import (
	"fmt"
	"os"
)

// systemEscalator falls back to stderr on platforms without syslog.
type systemEscalator struct{}

func newSystemEscalator() Escalator {
	return systemEscalator{}
}

func (systemEscalator) Emit(msg string) error {
	_, err := fmt.Fprintf(os.Stderr, "ESCALATION: %s\n", msg)
	return err
}
