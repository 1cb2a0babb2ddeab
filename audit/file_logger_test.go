package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFileLogger(t *testing.T) *FileLogger {
	t.Helper()
	logger, err := NewFileLogger(&Config{
		Enabled:   true,
		ProfileID: "default",
		Type:      FileAuditType,
		Options:   map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestFileLoggerLogAndQuery(t *testing.T) {
	logger := testFileLogger(t)

	require.NoError(t, logger.Log(ActionLogin, true, map[string]interface{}{"profile": "default"}))
	require.NoError(t, logger.Log(ActionUnlock, true, nil))
	require.NoError(t, logger.Log(ActionUnlock, false, map[string]interface{}{"method": "password"}))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalCount)

	failed := false
	result, err = logger.Query(QueryOptions{Action: ActionUnlock, Success: &failed})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, ActionUnlock, result.Events[0].Action)
	assert.False(t, result.Events[0].Success)
	assert.Equal(t, "default", result.Events[0].ProfileID)
	assert.Equal(t, "password", result.Events[0].Metadata["method"])
}

func TestFileLoggerQueryFilters(t *testing.T) {
	logger := testFileLogger(t)

	require.NoError(t, logger.Log(ActionSync, true, nil))
	require.NoError(t, logger.Log(ActionLock, true, nil))

	t.Run("ByAction", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Action: ActionSync})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, ActionSync, result.Events[0].Action)
	})

	t.Run("ByTimeRange", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		result, err := logger.Query(QueryOptions{Since: &past})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)

		future := time.Now().Add(time.Hour)
		result, err = logger.Query(QueryOptions{Since: &future})
		require.NoError(t, err)
		assert.Empty(t, result.Events)
	})

	t.Run("Limit", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, result.Events, 1)
		assert.True(t, result.HasMore)
	})
}

func TestFileLoggerReopensAfterClose(t *testing.T) {
	logger := testFileLogger(t)
	require.NoError(t, logger.Log(ActionLogin, true, nil))
	require.NoError(t, logger.Close())

	// A logger shared across vault instances reopens the file on demand.
	require.NoError(t, logger.Log(ActionLogout, true, nil))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalCount)
}

func TestNewLoggerSelection(t *testing.T) {
	t.Run("NilConfig", func(t *testing.T) {
		logger, err := NewLogger(nil)
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("Disabled", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: false, Type: FileAuditType})
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("FileRequiresPath", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: FileAuditType})
		assert.Error(t, err)
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: ConfigType("bogus")})
		assert.Error(t, err)
	})
}
