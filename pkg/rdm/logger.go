package rdm

// Logger is the narrow structured-logging surface the core consumes.
// Logging itself is an external collaborator (spec §1): the engine never
// imports zap directly, it only calls through this interface, which
// *zap.SugaredLogger already satisfies (see internal/logging and
// cmd/rdmd for the wiring).
type Logger interface {
	Debugw(msg string, kv ...any)
	Infow(msg string, kv ...any)
	Warnw(msg string, kv ...any)
	Errorw(msg string, kv ...any)
}

// noopLogger is used when NewEndpoint is called without WithLogger.
type noopLogger struct{}

func (noopLogger) Debugw(string, ...any) {}
func (noopLogger) Infow(string, ...any)  {}
func (noopLogger) Warnw(string, ...any)  {}
func (noopLogger) Errorw(string, ...any) {}
