package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureEvent(t *testing.T, emit func()) map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer Init(Config{Level: InfoLevel})

	emit()

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	return event
}

func TestForJobStampsJobIDAndFunction(t *testing.T) {
	event := captureEvent(t, func() {
		logger := ForJob("job-1", "sumsqr")
		logger.Info().Msg("claimed")
	})

	assert.Equal(t, "job-1", event["job_id"])
	assert.Equal(t, "sumsqr", event["function"])
	assert.Equal(t, "claimed", event["message"])
}

func TestWithComponentStampsComponent(t *testing.T) {
	event := captureEvent(t, func() {
		logger := WithComponent("manager")
		logger.Info().Msg("tick")
	})

	assert.Equal(t, "manager", event["component"])
}

func TestWithComputeResourceStampsResourceID(t *testing.T) {
	event := captureEvent(t, func() {
		logger := WithComputeResource("cr-1")
		logger.Info().Msg("starting")
	})

	assert.Equal(t, "cr-1", event["compute_resource_id"])
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Level("nonsense"), JSONOutput: true, Output: &buf})
	defer Init(Config{Level: InfoLevel})

	Logger.Debug().Msg("suppressed")
	assert.Empty(t, buf.Bytes(), "debug events must be filtered at the defaulted info level")

	Logger.Info().Msg("visible")
	assert.NotEmpty(t, buf.Bytes())
}
