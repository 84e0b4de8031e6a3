package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/secrets/localsecrets"

	"github.com/djlord-it/formrelay/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := New(sqlx.NewDb(db, "postgres"))
	s.clock = func() time.Time { return time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) }
	return s, mock
}

func columnNames(cols string) []string {
	parts := strings.Split(cols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

type rowOpts struct {
	status   domain.DeliveryStatus
	attempts int
	history  string
	secret   string
}

func deliveryRowValues(id uuid.UUID, o rowOpts) []driver.Value {
	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	if o.history == "" {
		o.history = "[]"
	}
	if o.secret == "" {
		o.secret = "s3cret"
	}
	return []driver.Value{
		id.String(), "webhook", string(o.status), "https://example.com/hook", o.secret, `{"X-A":"1"}`, int64(10000),
		"form.submitted", "form-1", "Contact", "wh-1", "user-1",
		`{"event":"form.submitted"}`, "",
		int64(o.attempts), int64(5), nil, nil, nil,
		"", "", "", "", nil,
		nil, "", "", "",
		o.history, created, created, nil,
	}
}

func TestStore_GetDelivery(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM deliveries\nWHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(columnNames(deliveryColumns)).
			AddRow(deliveryRowValues(id, rowOpts{status: domain.StatusPending})...))

	rec, err := s.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, domain.ChannelWebhook, rec.Channel)
	assert.Equal(t, 10*time.Second, rec.Timeout)
	assert.Equal(t, "1", rec.Headers["X-A"])
	assert.JSONEq(t, `{"event":"form.submitted"}`, string(rec.Payload))
	assert.Nil(t, rec.ResponseStatusCode)
	assert.Empty(t, rec.History)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetDeliveryNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM deliveries")).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetDelivery(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_CreateDelivery(t *testing.T) {
	s, mock := newMockStore(t)
	rec := domain.DeliveryRecord{
		ID:          uuid.New(),
		Channel:     domain.ChannelSMS,
		Status:      domain.StatusPending,
		Destination: "+15551234567",
		Message:     "hello",
		MaxRetries:  3,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO deliveries")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.CreateDelivery(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestStore_UpdateDeliveryMergesUnderRowLock verifies the read-merge-write runs
// in one transaction with FOR UPDATE and keeps existing history entries.
func TestStore_UpdateDeliveryMergesUnderRowLock(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(columnNames(deliveryColumns)).
			AddRow(deliveryRowValues(id, rowOpts{status: domain.StatusInProgress, attempts: 1, history: `[{"attempt":1,"status":"failed","retryable":true,"started_at":"2026-04-01T09:00:00Z","finished_at":"2026-04-01T09:00:01Z"}]`})...))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE deliveries SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := s.UpdateDelivery(context.Background(), id, domain.DeliveryUpdate{
		Status:        domain.Ptr(domain.StatusRetrying),
		AttemptCount:  domain.Ptr(2),
		AppendHistory: []domain.AttemptEntry{{Attempt: 2, Status: domain.StatusFailed}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
	require.Len(t, rec.History, 2)
	assert.Equal(t, 1, rec.History[0].Attempt)
	assert.Equal(t, 2, rec.History[1].Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateDeliveryTerminalDenied(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(columnNames(deliveryColumns)).
			AddRow(deliveryRowValues(id, rowOpts{status: domain.StatusSuccess, attempts: 1})...))
	mock.ExpectRollback()

	_, err := s.UpdateDelivery(context.Background(), id, domain.DeliveryUpdate{Status: domain.Ptr(domain.StatusFailed)})
	assert.ErrorIs(t, err, domain.ErrStatusTransitionDenied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateDeliveryNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs(id).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.UpdateDelivery(context.Background(), id, domain.DeliveryUpdate{Status: domain.Ptr(domain.StatusFailed)})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_ListDeliveriesBuildsFilters(t *testing.T) {
	s, mock := newMockStore(t)
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs("webhook", sqlmock.AnyArg(), "%example.com%", "form-1", after).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id ASC LIMIT $6 OFFSET $7")).
		WithArgs("webhook", sqlmock.AnyArg(), "%example.com%", "form-1", after, 10, 10).
		WillReturnRows(sqlmock.NewRows(columnNames(deliveryColumns)).
			AddRow(deliveryRowValues(uuid.New(), rowOpts{status: domain.StatusFailed})...))

	list, err := s.ListDeliveries(context.Background(), domain.DeliveryFilter{
		Channel:      domain.ChannelWebhook,
		Statuses:     []domain.DeliveryStatus{domain.StatusFailed},
		Destination:  "example.com",
		FormID:       "form-1",
		CreatedAfter: &after,
	}, domain.Page{Page: 2, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
	assert.Len(t, list.Records, 1)
	assert.Equal(t, 2, list.Page)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListDue(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	q := domain.DueQuery{Now: now, Grace: 30 * time.Second, StaleAfter: 5 * time.Minute, Limit: 50}

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ('pending', 'in_progress', 'retrying')")).
		WithArgs(now.Add(-30*time.Second), now, now.Add(-5*time.Minute), 50).
		WillReturnRows(sqlmock.NewRows(columnNames(deliveryColumns)).
			AddRow(deliveryRowValues(uuid.New(), rowOpts{status: domain.StatusRetrying, attempts: 2})...))

	due, err := s.ListDue(context.Background(), q)
	require.NoError(t, err)
	assert.Len(t, due, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ProviderSettingsEncryptedAtRest(t *testing.T) {
	s, mock := newMockStore(t)
	keeper := localsecrets.NewKeeper([32]byte([]byte("formrelay-test-key-0123456789abc")))
	t.Cleanup(func() { _ = keeper.Close() })
	s.WithKeeper(keeper)

	cfg := domain.ProviderConfig{
		ID: "p1", Name: "Twilio", Type: domain.ProviderTwilio, Enabled: true, Priority: 1,
		Settings: map[string]string{"auth_token": "tok"},
	}
	row, err := s.providerToRow(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(row.Settings), "tok")

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM sms_providers\nWHERE id = $1")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(columnNames(providerColumns)).
			AddRow("p1", "Twilio", "twilio", true, int64(1), row.Settings, false, int64(60), nil, now, now))

	got, err := s.GetProvider(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Settings["auth_token"])
	require.NotNil(t, got.RateLimitPerMinute)
	assert.Equal(t, 60, *got.RateLimitPerMinute)
	assert.Nil(t, got.MaxCostPerMessage)
}

func TestStore_WebhookSecretEncryptedAtRest(t *testing.T) {
	s, mock := newMockStore(t)
	keeper := localsecrets.NewKeeper([32]byte([]byte("formrelay-test-key-0123456789abc")))
	t.Cleanup(func() { _ = keeper.Close() })
	s.WithKeeper(keeper)

	id := uuid.New()
	row, err := s.deliveryToRow(context.Background(), domain.DeliveryRecord{
		ID: id, Channel: domain.ChannelWebhook, Status: domain.StatusPending, Secret: "whsec-signing-key",
	})
	require.NoError(t, err)
	assert.NotContains(t, row.Secret, "whsec-signing-key")
	assert.True(t, strings.HasPrefix(row.Secret, sealedPrefix))

	mock.ExpectQuery(regexp.QuoteMeta("FROM deliveries\nWHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(columnNames(deliveryColumns)).
			AddRow(deliveryRowValues(id, rowOpts{status: domain.StatusPending, secret: row.Secret})...))

	got, err := s.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "whsec-signing-key", got.Secret)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WebhookSecretWrittenBeforeKeeperStillReadable(t *testing.T) {
	s, mock := newMockStore(t)
	keeper := localsecrets.NewKeeper([32]byte([]byte("formrelay-test-key-0123456789abc")))
	t.Cleanup(func() { _ = keeper.Close() })
	s.WithKeeper(keeper)

	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM deliveries")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(columnNames(deliveryColumns)).
			AddRow(deliveryRowValues(id, rowOpts{status: domain.StatusPending})...))

	got, err := s.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got.Secret)
}

func TestStore_SealedSecretWithoutKeeper(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM deliveries")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(columnNames(deliveryColumns)).
			AddRow(deliveryRowValues(id, rowOpts{status: domain.StatusPending, secret: sealedPrefix + "AAAA"})...))

	_, err := s.GetDelivery(context.Background(), id)
	assert.ErrorContains(t, err, "no keeper is configured")
}

func TestStore_GetProviderNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM sms_providers")).WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := s.GetProvider(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestStore_DeleteProviderNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM sms_providers")).
		WithArgs("nope").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.DeleteProvider(context.Background(), "nope"), domain.ErrProviderNotFound)
}
