package grouprequest

// Logger is the minimal logging interface grouprequest depends on,
// mirroring nakack.Logger and flush.Logger so a single pkg/vlog
// implementation satisfies all three.
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
