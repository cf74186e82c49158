package state

import (
	"fmt"

	"github.com/drover-io/drover/pkg/models"
)

// Migrator upgrades a decoded state document from the previous schema version
// to Version. Apply mutates the document in place and must be pure and
// idempotent: running it on an already-migrated document changes nothing.
type Migrator struct {
	Version int
	Apply   func(doc map[string]any) error
}

// migrators, in ascending target-version order. Each entry documents one
// schema change:
//
//	v1 -> v2: single "active_step" became the "active_steps" list, and the
//	          precomputed "progress" fraction was added.
//	v2 -> v3: free-text "error" fields became the structured "last_error"
//	          record on the workflow and the "last_error" string on steps,
//	          and transition history lists were introduced.
var migrators = []Migrator{
	{Version: 2, Apply: migrateActiveStepToList},
	{Version: 3, Apply: migrateErrorFieldsAndHistory},
}

// MigrateDocument walks the migrator chain from the stored version up to
// CurrentSchemaVersion and returns the version reached. Documents already at
// the current version pass through untouched.
func MigrateDocument(doc map[string]any, from int) (int, error) {
	if from < 1 || from > models.CurrentSchemaVersion {
		return from, fmt.Errorf("%w: stored version %d, current version %d",
			ErrSchemaVersion, from, models.CurrentSchemaVersion)
	}

	version := from

	for _, m := range migrators {
		if m.Version <= version {
			continue
		}

		if err := m.Apply(doc); err != nil {
			return version, fmt.Errorf("migrating state schema v%d to v%d: %w", version, m.Version, err)
		}

		version = m.Version
		doc["schema_version"] = version
	}

	return version, nil
}

func migrateActiveStepToList(doc map[string]any) error {
	if active, ok := doc["active_step"].(string); ok {
		if active != "" {
			doc["active_steps"] = []any{active}
		}

		delete(doc, "active_step")
	}

	if _, ok := doc["progress"]; !ok {
		doc["progress"] = terminalFraction(doc)
	}

	return nil
}

func migrateErrorFieldsAndHistory(doc map[string]any) error {
	if _, ok := doc["history"]; !ok {
		doc["history"] = []any{}
	}

	// Workflow-level free-text error becomes a structured record. Nothing
	// more specific than "unknown" can be inferred from a bare string.
	if msg, ok := doc["error"].(string); ok {
		if msg != "" {
			doc["last_error"] = map[string]any{
				"category":    string(models.ErrorCategoryUnknown),
				"severity":    string(models.SeverityDegraded),
				"message":     msg,
				"occurred_at": doc["updated_at"],
			}
		}

		delete(doc, "error")
	}

	steps, ok := doc["steps"].(map[string]any)
	if !ok {
		return nil
	}

	for _, raw := range steps {
		rec, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if msg, ok := rec["error"].(string); ok {
			if msg != "" {
				rec["last_error"] = msg
			}

			delete(rec, "error")
		}

		if _, ok := rec["history"]; !ok {
			rec["history"] = []any{}
		}
	}

	return nil
}

// terminalFraction computes the completed-or-skipped share of the document's
// steps, for documents persisted before progress was stored.
func terminalFraction(doc map[string]any) float64 {
	steps, ok := doc["steps"].(map[string]any)
	if !ok || len(steps) == 0 {
		return 0
	}

	terminal := 0

	for _, raw := range steps {
		rec, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		status, _ := rec["status"].(string)
		if models.StepStatus(status).IsTerminal() {
			terminal++
		}
	}

	return float64(terminal) / float64(len(steps))
}
