// Package probe is the engine's logging tap: a thin wrapper over logrus
// that the public engine.Volume operations call on entry (and a few of
// them on failure), standing in for the original reference
// implementation's ubiquitous soProbe(code, fmt, ...) call at the top of
// nearly every function.
package probe

import "github.com/sirupsen/logrus"

// Tap is a named logging handle bound to one operation.
type Tap struct {
	log *logrus.Logger
	op  string
}

// Logger is the package-wide logrus instance every Tap shares. Callers
// (cmd/mksofs, cmd/sofsutil) configure its level and formatter; library
// code never mutates it.
var Logger = logrus.New()

func init() {
	Logger.SetLevel(logrus.WarnLevel)
}

// New returns a Tap scoped to op, the operation name reported in every log
// line it emits.
func New(op string) *Tap {
	return &Tap{log: Logger, op: op}
}

// Enter logs the start of an operation at trace level with the given
// structured fields, e.g. t.Enter(logrus.Fields{"inode": in}).
func (t *Tap) Enter(fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["op"] = t.op
	t.log.WithFields(fields).Trace("enter")
}

// Fail logs a failed operation at warn level, attaching err.
func (t *Tap) Fail(err error, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["op"] = t.op
	t.log.WithFields(fields).WithError(err).Warn("failed")
}

// Info logs an informational line, used by the formatter's non-quiet
// progress output.
func (t *Tap) Info(format string, args ...interface{}) {
	t.log.WithField("op", t.op).Infof(format, args...)
}
