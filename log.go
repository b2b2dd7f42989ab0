package dtls_bridge

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

var logger = zap.NewNop()

// SetLogger installs the logger used by every client, server and worker.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// zapLoggerFactory routes the DTLS library's own logs into zap.
type zapLoggerFactory struct {
	base *zap.Logger
}

func newDtlsLoggerFactory() logging.LoggerFactory {
	return &zapLoggerFactory{base: logger.Named("dtls")}
}

func (f *zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{s: f.base.With(zap.String("scope", scope)).Sugar()}
}

type zapLeveledLogger struct {
	s *zap.SugaredLogger
}

// zap has no trace level; trace lines are folded into debug.
func (l *zapLeveledLogger) Trace(msg string) { l.s.Debug(msg) }
func (l *zapLeveledLogger) Tracef(format string, args ...interface{}) {
	l.s.Debug(fmt.Sprintf(format, args...))
}
func (l *zapLeveledLogger) Debug(msg string)                          { l.s.Debug(msg) }
func (l *zapLeveledLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *zapLeveledLogger) Info(msg string)                           { l.s.Info(msg) }
func (l *zapLeveledLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *zapLeveledLogger) Warn(msg string)                           { l.s.Warn(msg) }
func (l *zapLeveledLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *zapLeveledLogger) Error(msg string)                          { l.s.Error(msg) }
func (l *zapLeveledLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
