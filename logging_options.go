package access

import "github.com/oarkflow/access/logger"

// Logger is re-exported so callers need not import the logger package.
type Logger = logger.Logger

// WithLogger installs a Logger on the Engine via EngineOption
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			l = &logger.NullLogger{}
		}
		e.logger = l
		return nil
	}
}
