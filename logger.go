package modhost

// Logger defines the interface for runtime logging.
// The runtime uses structured logging with key-value pairs so the host can
// decide how output looks:
//
//	logger.Info("module booted", "module", "billing", "version", "1.2.0")
//
// *slog.Logger satisfies this interface directly.
type Logger interface {
	// Info logs normal lifecycle events such as a module booting.
	Info(msg string, args ...any)

	// Error logs failures that were contained, like a boot hook error.
	Error(msg string, args ...any)

	// Warn logs unusual conditions that do not stop the operation.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics.
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }

// moduleLogger prefixes every record with the module slug.
type moduleLogger struct {
	base Logger
	slug string
}

// WithModule returns a logger that tags records with the given module slug.
func WithModule(base Logger, slug string) Logger {
	if base == nil {
		base = nopLogger{}
	}
	return &moduleLogger{base: base, slug: slug}
}

func (l *moduleLogger) args(args []any) []any {
	return append([]any{"module", l.slug}, args...)
}

func (l *moduleLogger) Info(msg string, args ...any)  { l.base.Info(msg, l.args(args)...) }
func (l *moduleLogger) Error(msg string, args ...any) { l.base.Error(msg, l.args(args)...) }
func (l *moduleLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, l.args(args)...) }
func (l *moduleLogger) Debug(msg string, args ...any) { l.base.Debug(msg, l.args(args)...) }
