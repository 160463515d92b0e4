// Package gwlog builds the pair of zap loggers used throughout the gateway
// core. Unlike the teacher's cl_common/daemonutils, which stashes the result
// in package-level globals, New returns the loggers directly so that callers
// thread them through component constructors explicitly.
package gwlog

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Pair bundles the structured and sugared loggers that every component
// constructor in this module takes as an argument, plus the CloudCore tee
// that forwards log entries to the cloud while remote logging is active.
type Pair struct {
	Logger   *zap.Logger
	Sugared  *zap.SugaredLogger
	CloudLog *CloudCore
}

// New builds a Pair at the given level. devMode selects the human-readable,
// colorized development encoder (cf. ap.iotd's zapSetup, which always
// chooses zap.NewDevelopmentConfig); production daemons in the corpus
// (cl_common/daemonutils.SetupLogs) switch encoders based on whether stderr
// is a terminal. We expose that choice explicitly instead of probing the fd.
func New(level zapcore.Level, devMode bool) (*Pair, error) {
	var config zap.Config
	if devMode {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	config.Level = zap.NewAtomicLevelAt(level)

	cloudCore := NewCloudCore(zapcore.InfoLevel)
	logger, err := config.Build(
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, cloudCore)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build zap logger")
	}

	return &Pair{Logger: logger, Sugared: logger.Sugar(), CloudLog: cloudCore}, nil
}

// NewNop returns a Pair that discards everything, for use in tests.
func NewNop() *Pair {
	logger := zap.NewNop()
	return &Pair{Logger: logger, Sugared: logger.Sugar(), CloudLog: NewCloudCore(zapcore.InfoLevel)}
}

// Sync flushes any buffered log entries; callers should defer this in main.
// Errors from Sync on stderr are routinely ENOTTY and are ignored, matching
// the teacher's daemons, none of which check the Sync() error.
func (p *Pair) Sync() {
	if p == nil {
		return
	}
	_ = p.Logger.Sync()
}

// StdFallback is used during flag parsing and other pre-logger setup, before
// a Pair exists, writing straight to stderr.
func StdFallback(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "gw.agentd: "+format+"\n", args...)
}
