package logx

import "context"

type relayKey struct{}

// SuppressRelay marks ctx as running inside a log relay. Loggers bound to it
// via Logger.Ctx stamp their records as nested, and sinks drop them.
func SuppressRelay(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, relayKey{}, true)
}

// RelaySuppressed reports whether ctx was marked with SuppressRelay.
func RelaySuppressed(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(relayKey{}).(bool)
	return v
}
