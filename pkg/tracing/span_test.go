package tracing

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildSpansInheritTraceID(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "scan", "run-1")
	_, walk := StartChildSpan(ctx, "walk_index")
	walk.End()
	_, journal := StartChildSpan(ctx, "journal")
	journal.End()
	root.End()

	assert.Equal(t, "run-1", walk.TraceID)
	phases := root.Phases()
	require.Len(t, phases, 2)
	assert.Equal(t, "walk_index", phases[0].Name)
	assert.Equal(t, "journal", phases[1].Name)
	assert.Positive(t, phases[0].Elapsed)
}

func TestChildWithoutParent(t *testing.T) {
	ctx, span := StartChildSpan(context.Background(), "orphan")
	assert.Empty(t, span.TraceID)
	assert.Same(t, span, SpanFromContext(ctx))
	assert.Nil(t, SpanFromContext(context.Background()))
}

func TestEndIsSticky(t *testing.T) {
	_, span := StartSpan(context.Background(), "scan", "x")
	span.End()
	first := span.Duration
	span.End()
	assert.Equal(t, first, span.Duration)
}

func TestLogWritesTree(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx, root := StartSpan(context.Background(), "scan", "run-2")
	_, child := StartChildSpan(ctx, "repair")
	child.SetAttr("segments", 2)
	child.End()
	root.End()

	root.Log(logger)
	out := buf.String()
	assert.Contains(t, out, "span=scan")
	assert.Contains(t, out, "span=repair")
	assert.Contains(t, out, "segments=2")
	assert.Contains(t, out, "depth=1")
}
