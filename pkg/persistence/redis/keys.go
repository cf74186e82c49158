package redis

// Redis key naming conventions for drover data.
// All keys are prefixed with "drover:" to avoid collisions.

const keyPrefix = "drover:"

// stateKey returns the key holding the latest envelope: drover:state:{workflowID}
func stateKey(workflowID string) string { return keyPrefix + "state:" + workflowID }

// historyKey returns the hash holding a workflow's revision history, one
// field per zero-padded revision: drover:state_hist:{workflowID}
func historyKey(workflowID string) string { return keyPrefix + "state_hist:" + workflowID }

// workflowIDsKey is the Set tracking all workflow IDs for enumeration.
const workflowIDsKey = keyPrefix + "workflow_ids"

// checkpointsKey returns the hash holding a task's checkpoints, one field
// per zero-padded sequence: drover:checkpoints:{taskID}
func checkpointsKey(taskID string) string { return keyPrefix + "checkpoints:" + taskID }

// Learning outcome hashes, one field per "category|action" pair. Two hashes
// so both counters can be bumped with plain HIncrBy.
const (
	outcomeAttemptsKey  = keyPrefix + "outcome_attempts"
	outcomeSuccessesKey = keyPrefix + "outcome_successes"
)
