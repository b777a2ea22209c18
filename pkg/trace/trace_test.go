package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/config"
)

func TestInitTracingDisabledIsNoOp(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), &config.TracingConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))

	// Spans still work against the no-op provider.
	span := Tracer("test").Start(context.Background(), "noop")
	span.End()
}
