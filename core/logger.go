package core

// Logger is the application-wide logging contract.
// Implementations may report to an external error tracker in addition to stdout.
// args may carry an error, a map of extra context or the acting account;
// secrets must never be passed.
type Logger interface {
	Enable(enabled bool)
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}
