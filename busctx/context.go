// Package busctx carries per-call bus options through a context.
package busctx

import (
	"context"
	"encoding/hex"
	"log/slog"
)

type key struct{}

type options struct {
	verbose bool
}

// SetVerbose marks ctx so that adapters dump every frame they exchange.
func SetVerbose(ctx context.Context, verbose bool) context.Context {
	o := from(ctx)
	o.verbose = verbose
	return context.WithValue(ctx, key{}, o)
}

func IsVerbose(ctx context.Context) bool {
	return from(ctx).verbose
}

// Dump logs frame as a hex dump when ctx is verbose.
func Dump(ctx context.Context, logger *slog.Logger, msg string, frame []byte) {
	if !IsVerbose(ctx) {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, msg, "len", len(frame), "frame", "\n"+hex.Dump(frame))
}

func from(ctx context.Context) options {
	if o, ok := ctx.Value(key{}).(options); ok {
		return o
	}
	return options{}
}
