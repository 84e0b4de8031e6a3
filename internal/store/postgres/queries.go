package postgres

const deliveryColumns = `
    id, channel, status, destination, secret, headers, timeout_ms,
    event, form_id, form_title, webhook_id, created_by,
    payload, message,
    attempt_count, max_retries, last_attempt_at, next_retry_at, scheduled_for,
    preferred_provider_id, provider_id, provider_name, provider_message_id, cost,
    response_status_code, response_body, error_message, error_code,
    history, created_at, updated_at, completed_at`

const queryInsertDelivery = `
INSERT INTO deliveries (
    id, channel, status, destination, secret, headers, timeout_ms,
    event, form_id, form_title, webhook_id, created_by,
    payload, message,
    attempt_count, max_retries, last_attempt_at, next_retry_at, scheduled_for,
    preferred_provider_id, provider_id, provider_name, provider_message_id, cost,
    response_status_code, response_body, error_message, error_code,
    history, created_at, updated_at, completed_at
) VALUES (
    :id, :channel, :status, :destination, :secret, :headers, :timeout_ms,
    :event, :form_id, :form_title, :webhook_id, :created_by,
    :payload, :message,
    :attempt_count, :max_retries, :last_attempt_at, :next_retry_at, :scheduled_for,
    :preferred_provider_id, :provider_id, :provider_name, :provider_message_id, :cost,
    :response_status_code, :response_body, :error_message, :error_code,
    :history, :created_at, :updated_at, :completed_at
)
`

const queryGetDelivery = `SELECT` + deliveryColumns + `
FROM deliveries
WHERE id = $1
`

// Row lock held for the read-merge-write of a partial update.
const queryGetDeliveryForUpdate = `SELECT` + deliveryColumns + `
FROM deliveries
WHERE id = $1
FOR UPDATE
`

// Payload, destination and identity columns are immutable and never rewritten.
const queryUpdateDelivery = `
UPDATE deliveries SET
    status = :status,
    attempt_count = :attempt_count,
    last_attempt_at = :last_attempt_at,
    next_retry_at = :next_retry_at,
    provider_id = :provider_id,
    provider_name = :provider_name,
    provider_message_id = :provider_message_id,
    cost = :cost,
    response_status_code = :response_status_code,
    response_body = :response_body,
    error_message = :error_message,
    error_code = :error_code,
    history = :history,
    updated_at = :updated_at,
    completed_at = :completed_at
WHERE id = :id
`

const queryListDeliveriesBase = `
FROM deliveries
WHERE 1 = 1`

// $1 = now - grace, $2 = now, $3 = now - stale_after, $4 = limit
const queryListDue = `SELECT` + deliveryColumns + `
FROM deliveries
WHERE status IN ('pending', 'in_progress', 'retrying')
  AND (
        (next_retry_at IS NOT NULL AND next_retry_at <= $1)
     OR (next_retry_at IS NULL AND attempt_count = 0 AND scheduled_for IS NOT NULL AND scheduled_for <= $2)
     OR (next_retry_at IS NULL AND attempt_count = 0 AND scheduled_for IS NULL AND created_at <= $1)
     OR (next_retry_at IS NULL AND attempt_count > 0 AND last_attempt_at <= $3)
  )
ORDER BY COALESCE(
    next_retry_at,
    CASE WHEN attempt_count = 0 THEN COALESCE(scheduled_for, created_at) ELSE last_attempt_at END
) ASC
LIMIT $4
`

const providerColumns = `
    id, name, type, enabled, priority, settings, is_default,
    rate_limit_per_minute, max_cost_per_message, created_at, updated_at`

const queryListProviders = `SELECT` + providerColumns + `
FROM sms_providers
ORDER BY priority ASC, created_at ASC
`

const queryGetProvider = `SELECT` + providerColumns + `
FROM sms_providers
WHERE id = $1
`

const queryInsertProvider = `
INSERT INTO sms_providers (
    id, name, type, enabled, priority, settings, is_default,
    rate_limit_per_minute, max_cost_per_message, created_at, updated_at
) VALUES (
    :id, :name, :type, :enabled, :priority, :settings, :is_default,
    :rate_limit_per_minute, :max_cost_per_message, :created_at, :updated_at
)
`

const queryUpdateProvider = `
UPDATE sms_providers SET
    name = :name,
    type = :type,
    enabled = :enabled,
    priority = :priority,
    settings = :settings,
    is_default = :is_default,
    rate_limit_per_minute = :rate_limit_per_minute,
    max_cost_per_message = :max_cost_per_message,
    updated_at = :updated_at
WHERE id = :id
`

const queryDeleteProvider = `
DELETE FROM sms_providers WHERE id = $1
`
