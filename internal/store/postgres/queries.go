package postgres

const triggerColumns = `
    id, name, description, trigger_event, conditions, actions, is_active,
    priority, cooldown_minutes, max_executions_per_contact, created_at, updated_at`

const queryInsertTrigger = `
INSERT INTO triggers (id, name, description, trigger_event, conditions, actions, is_active,
    priority, cooldown_minutes, max_executions_per_contact, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

const queryUpdateTrigger = `
UPDATE triggers
SET name = $2, description = $3, trigger_event = $4, conditions = $5, actions = $6,
    is_active = $7, priority = $8, cooldown_minutes = $9, max_executions_per_contact = $10,
    updated_at = $11
WHERE id = $1
`

const queryDeleteTrigger = `
DELETE FROM triggers WHERE id = $1 RETURNING id
`

const queryGetTrigger = `
SELECT` + triggerColumns + `
FROM triggers
WHERE id = $1
`

// LIMIT NULL means no limit.
const queryListTriggers = `
SELECT` + triggerColumns + `
FROM triggers
ORDER BY priority DESC, id
LIMIT $1 OFFSET $2
`

const queryActiveTriggersForEvent = `
SELECT` + triggerColumns + `
FROM triggers
WHERE is_active AND trigger_event = $1
ORDER BY priority DESC, id
`

const queryTriggersVersion = `
SELECT version FROM trigger_version WHERE id
`

const executionColumns = `
    id, trigger_id, contact_id, event_kind, status, executed_at, error, failed_action_index`

const queryInsertExecution = `
INSERT INTO executions (id, trigger_id, contact_id, event_kind, status, executed_at, error, failed_action_index)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryFinalizeExecution = `
UPDATE executions
SET status = $2, error = $3, failed_action_index = $4
WHERE id = $1
  AND status = 'pending'
`

const queryGetExecutionStatus = `
SELECT status FROM executions WHERE id = $1
`

// Pending rows count: an in-flight execution holds its slot until finalized.
const queryExecutionStats = `
SELECT COUNT(*), MAX(executed_at)
FROM executions
WHERE trigger_id = $1 AND contact_id = $2 AND status IN ('success', 'pending')
`

// Serializes reservations of one (trigger, contact) pair until the
// transaction ends. The two-key form does not collide with the leader lock.
const queryLockPair = `
SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))
`

// A NULL $4 makes the row comparison NULL on ties, so a bare timestamp
// cursor excludes the whole instant.
const queryListExecutions = `
SELECT` + executionColumns + `
FROM executions
WHERE ($1::text = '' OR trigger_id = $1)
  AND ($2::text = '' OR contact_id = $2)
  AND ($3::timestamptz IS NULL OR (executed_at, id) < ($3::timestamptz, $4::uuid))
ORDER BY executed_at DESC, id DESC
LIMIT $5
`

const queryGetStalePendingExecutions = `
SELECT` + executionColumns + `
FROM executions
WHERE status = 'pending'
  AND executed_at < $1
ORDER BY executed_at ASC
LIMIT $2
`

const queryGetContactState = `
SELECT attributes FROM contact_attributes WHERE contact_id = $1
`

const queryUpdateContactField = `
INSERT INTO contact_attributes (contact_id, attributes, updated_at)
VALUES ($1, jsonb_build_object($2::text, $3::jsonb), now())
ON CONFLICT (contact_id) DO UPDATE
SET attributes = contact_attributes.attributes || jsonb_build_object($2::text, $3::jsonb),
    updated_at = now()
`

const queryPing = `SELECT 1`
