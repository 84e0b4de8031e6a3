// Package postgres implements the delivery record and provider stores on
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/djlord-it/formrelay/internal/domain"
)

// Keeper encrypts provider settings and webhook signing secrets at rest.
// *secrets.Keeper satisfies it.
type Keeper interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type Store struct {
	db     *sqlx.DB
	keeper Keeper
	clock  func() time.Time
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// WithKeeper enables encryption of provider settings and webhook secrets.
func (s *Store) WithKeeper(k Keeper) *Store {
	s.keeper = k
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateDelivery(ctx context.Context, rec domain.DeliveryRecord) error {
	row, err := s.deliveryToRow(ctx, rec)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, queryInsertDelivery, row); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("delivery %s already exists", rec.ID)
		}
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (domain.DeliveryRecord, error) {
	var row deliveryRow
	if err := s.db.GetContext(ctx, &row, queryGetDelivery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DeliveryRecord{}, domain.ErrNotFound
		}
		return domain.DeliveryRecord{}, fmt.Errorf("get delivery: %w", err)
	}
	return s.deliveryFromRow(ctx, row)
}

// UpdateDelivery merges u into the stored record under a row lock, so
// concurrent partial updates never drop each other's history entries.
// Returns domain.ErrStatusTransitionDenied if u may not be applied to the
// record's current status.
func (s *Store) UpdateDelivery(ctx context.Context, id uuid.UUID, u domain.DeliveryUpdate) (domain.DeliveryRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row deliveryRow
	if err := tx.GetContext(ctx, &row, queryGetDeliveryForUpdate, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DeliveryRecord{}, domain.ErrNotFound
		}
		return domain.DeliveryRecord{}, fmt.Errorf("lock delivery: %w", err)
	}
	rec, err := s.deliveryFromRow(ctx, row)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	if err := u.Allowed(rec.Status); err != nil {
		return domain.DeliveryRecord{}, err
	}

	u.Apply(&rec, s.clock().UTC())
	updated, err := s.deliveryToRow(ctx, rec)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	if _, err := tx.NamedExecContext(ctx, queryUpdateDelivery, updated); err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("update delivery: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (s *Store) ListDeliveries(ctx context.Context, f domain.DeliveryFilter, page domain.Page) (domain.DeliveryList, error) {
	page = page.Normalize()

	var where strings.Builder
	where.WriteString(queryListDeliveriesBase)
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Channel != "" {
		where.WriteString(" AND channel = " + arg(string(f.Channel)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where.WriteString(" AND status = ANY(" + arg(pq.Array(statuses)) + ")")
	}
	if p := f.LikePattern(); p != "" {
		where.WriteString(" AND destination ILIKE " + arg(p))
	}
	if f.FormID != "" {
		where.WriteString(" AND form_id = " + arg(f.FormID))
	}
	if f.WebhookID != "" {
		where.WriteString(" AND webhook_id = " + arg(f.WebhookID))
	}
	if f.CreatedAfter != nil {
		where.WriteString(" AND created_at >= " + arg(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		where.WriteString(" AND created_at < " + arg(*f.CreatedBefore))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*)"+where.String(), args...); err != nil {
		return domain.DeliveryList{}, fmt.Errorf("count deliveries: %w", err)
	}

	query := "SELECT" + deliveryColumns + where.String() +
		" ORDER BY created_at DESC, id ASC LIMIT " + arg(page.PerPage) + " OFFSET " + arg(page.Offset())
	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return domain.DeliveryList{}, fmt.Errorf("list deliveries: %w", err)
	}

	out := domain.DeliveryList{Total: total, Page: page.Page, PerPage: page.PerPage, Records: make([]domain.DeliveryRecord, 0, len(rows))}
	for _, r := range rows {
		rec, err := s.deliveryFromRow(ctx, r)
		if err != nil {
			return domain.DeliveryList{}, err
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func (s *Store) ListDue(ctx context.Context, q domain.DueQuery) ([]domain.DeliveryRecord, error) {
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows, queryListDue,
		q.Now.Add(-q.Grace),
		q.Now,
		q.Now.Add(-q.StaleAfter),
		q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	out := make([]domain.DeliveryRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := s.deliveryFromRow(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// sealedPrefix marks a secret column written through the keeper. Values
// without it were stored before a keeper was configured and are read as-is.
const sealedPrefix = "sealed:"

func (s *Store) deliveryToRow(ctx context.Context, rec domain.DeliveryRecord) (deliveryRow, error) {
	row, err := toRow(rec)
	if err != nil {
		return deliveryRow{}, err
	}
	if s.keeper != nil && row.Secret != "" {
		sealed, err := s.keeper.Encrypt(ctx, []byte(row.Secret))
		if err != nil {
			return deliveryRow{}, fmt.Errorf("encrypt secret for delivery %s: %w", rec.ID, err)
		}
		row.Secret = sealedPrefix + base64.StdEncoding.EncodeToString(sealed)
	}
	return row, nil
}

func (s *Store) deliveryFromRow(ctx context.Context, row deliveryRow) (domain.DeliveryRecord, error) {
	if sealed, ok := strings.CutPrefix(row.Secret, sealedPrefix); ok {
		if s.keeper == nil {
			return domain.DeliveryRecord{}, fmt.Errorf("delivery %s: secret is encrypted but no keeper is configured", row.ID)
		}
		blob, err := base64.StdEncoding.DecodeString(sealed)
		if err != nil {
			return domain.DeliveryRecord{}, fmt.Errorf("decode secret for delivery %s: %w", row.ID, err)
		}
		plain, err := s.keeper.Decrypt(ctx, blob)
		if err != nil {
			return domain.DeliveryRecord{}, fmt.Errorf("decrypt secret for delivery %s: %w", row.ID, err)
		}
		row.Secret = string(plain)
	}
	return row.toDomain()
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
