package laketesting

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLake_Testing_LevelFromEnv(t *testing.T) {
	t.Parallel()
	require.Equal(t, slog.LevelDebug, levelFromEnv("2"))
	require.Equal(t, slog.LevelInfo, levelFromEnv("1"))
	require.Equal(t, slog.LevelError, levelFromEnv(""))
	require.Equal(t, slog.LevelError, levelFromEnv("yes"))
}
