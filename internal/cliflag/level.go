// Package cliflag holds small custom pflag.Value types shared by the
// command-line programs.
package cliflag

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// LevelValue is a pflag.Value binding a --verbosity flag directly to a
// logrus.Level, so an invalid level is rejected at flag-parse time rather
// than deferred to a PreRunE check.
type LevelValue struct {
	Level *logrus.Level
}

var _ pflag.Value = (*LevelValue)(nil)

func (v *LevelValue) String() string {
	if v.Level == nil {
		return logrus.WarnLevel.String()
	}
	return v.Level.String()
}

func (v *LevelValue) Set(s string) error {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return err
	}
	*v.Level = lvl
	return nil
}

func (v *LevelValue) Type() string {
	return "level"
}
