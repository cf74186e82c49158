package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/models"
)

func legacyV1Document() map[string]any {
	return map[string]any{
		"workflow_id":    "wf-legacy",
		"definition_id":  "build-feature",
		"schema_version": 1,
		"status":         "running",
		"steps": map[string]any{
			"plan": map[string]any{
				"step_id":  "plan",
				"status":   "completed",
				"attempts": 1,
				"error":    "",
			},
			"implement": map[string]any{
				"step_id":  "implement",
				"status":   "running",
				"attempts": 2,
				"error":    "tests flaky",
			},
		},
		"active_step": "implement",
		"error":       "workflow hit a snag",
		"revision":    5,
		"created_at":  "2026-08-20T10:00:00Z",
		"updated_at":  "2026-08-20T10:05:00Z",
	}
}

func TestMigrateDocument_V1ToCurrent(t *testing.T) {
	doc := legacyV1Document()

	version, err := MigrateDocument(doc, 1)
	require.NoError(t, err)
	assert.Equal(t, models.CurrentSchemaVersion, version)
	assert.Equal(t, models.CurrentSchemaVersion, doc["schema_version"])

	// v1 -> v2: scalar active step becomes a list, progress is computed.
	assert.NotContains(t, doc, "active_step")
	assert.Equal(t, []any{"implement"}, doc["active_steps"])
	assert.InEpsilon(t, 0.5, doc["progress"], 1e-9)

	// v2 -> v3: free-text errors become last_error fields.
	assert.NotContains(t, doc, "error")

	lastError, ok := doc["last_error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "workflow hit a snag", lastError["message"])
	assert.Equal(t, string(models.ErrorCategoryUnknown), lastError["category"])

	steps := doc["steps"].(map[string]any)
	implement := steps["implement"].(map[string]any)
	assert.Equal(t, "tests flaky", implement["last_error"])
	assert.NotContains(t, implement, "error")
	assert.Equal(t, []any{}, implement["history"])

	plan := steps["plan"].(map[string]any)
	assert.NotContains(t, plan, "last_error")
	assert.NotContains(t, plan, "error")
}

func TestMigrateDocument_MigratedDocumentDecodes(t *testing.T) {
	doc := legacyV1Document()

	_, err := MigrateDocument(doc, 1)
	require.NoError(t, err)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var st models.WorkflowState

	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, "wf-legacy", st.WorkflowID)
	assert.Equal(t, models.CurrentSchemaVersion, st.SchemaVersion)
	assert.Equal(t, []string{"implement"}, st.ActiveSteps)
	assert.Equal(t, "tests flaky", st.Steps["implement"].LastError)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "workflow hit a snag", st.LastError.Message)
}

func TestMigrateDocument_Idempotent(t *testing.T) {
	doc := legacyV1Document()

	_, err := MigrateDocument(doc, 1)
	require.NoError(t, err)

	once, err := json.Marshal(doc)
	require.NoError(t, err)

	// Re-running the full chain on an already-migrated document must change
	// nothing.
	_, err = MigrateDocument(doc, 1)
	require.NoError(t, err)

	twice, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, string(once), string(twice))
}

func TestMigrateDocument_CurrentVersionPassthrough(t *testing.T) {
	doc := map[string]any{
		"workflow_id":    "wf-1",
		"schema_version": models.CurrentSchemaVersion,
		"steps":          map[string]any{},
	}

	version, err := MigrateDocument(doc, models.CurrentSchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, models.CurrentSchemaVersion, version)
	assert.NotContains(t, doc, "active_steps")
}

func TestMigrateDocument_UnsupportedVersions(t *testing.T) {
	tests := []struct {
		name string
		from int
	}{
		{name: "newer_than_current", from: models.CurrentSchemaVersion + 1},
		{name: "pre_versioning", from: 0},
		{name: "negative", from: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MigrateDocument(map[string]any{}, tt.from)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSchemaVersion)
		})
	}
}

func TestMigrateDocument_EmptyStepsProgress(t *testing.T) {
	doc := map[string]any{
		"workflow_id":    "wf-empty",
		"schema_version": 1,
		"steps":          map[string]any{},
		"active_step":    "",
	}

	_, err := MigrateDocument(doc, 1)
	require.NoError(t, err)
	assert.NotContains(t, doc, "active_step")
	assert.NotContains(t, doc, "active_steps")
	assert.InDelta(t, 0.0, doc["progress"], 1e-9)
}
