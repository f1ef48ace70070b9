// Package logging provides the structured logger shared by every component.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry scoped to one component.
type Logger struct {
	*logrus.Entry
}

// New builds the root logger for the process, at the given level
// ("debug", "info", "warn", "error").
func New(level string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return &Logger{Entry: logrus.NewEntry(l)}
}

// Component returns a child logger tagged with the given component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Entry: l.Entry.WithField("component", name)}
}

// WithVault returns a child logger tagged with a vault id.
func (l *Logger) WithVault(vaultID string) *Logger {
	return &Logger{Entry: l.Entry.WithField("vault_id", vaultID)}
}

// WithTxn returns a child logger tagged with a transaction record id.
func (l *Logger) WithTxn(txnID string) *Logger {
	return &Logger{Entry: l.Entry.WithField("txn_id", txnID)}
}

// WithOperation returns a child logger tagged with an operation id.
func (l *Logger) WithOperation(operationID string) *Logger {
	return &Logger{Entry: l.Entry.WithField("operation_id", operationID)}
}
