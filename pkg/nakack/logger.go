package nakack

// Logger is the minimal logging interface nakack depends on, so it is
// decoupled from any concrete logging library (spec.md §7 calls for
// warn/error level distinctions only). pkg/vlog provides a zap-backed
// implementation; NopLogger is used by default and in tests.
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugw(string, ...interface{}) {}
func (nopLogger) Warnw(string, ...interface{})  {}
func (nopLogger) Errorw(string, ...interface{}) {}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}
