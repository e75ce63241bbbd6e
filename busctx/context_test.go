package busctx

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerbose(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsVerbose(ctx))
	ctx = SetVerbose(ctx, true)
	assert.True(t, IsVerbose(ctx))
	assert.False(t, IsVerbose(SetVerbose(ctx, false)))
}

func TestDump(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	Dump(context.Background(), logger, "quiet", []byte{0x01})
	assert.Empty(t, out.String())

	Dump(SetVerbose(context.Background(), true), logger, "frame out", []byte{0xde, 0xad})
	assert.Contains(t, out.String(), "frame out")
	assert.Contains(t, out.String(), "de ad")
}
