package xmlsec

import "go.uber.org/zap"

var logger = zap.NewNop()

// SetLogger replaces the package logger. Recoverable resolver failures
// and legacy-behavior warnings are reported through it. Passing nil
// restores the no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// Logger returns the current package logger.
func Logger() *zap.Logger { return logger }
