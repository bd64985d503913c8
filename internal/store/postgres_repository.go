/**
 * @description
 * PostgreSQL implementation of the partner-payments storage layer.
 *
 * Key features:
 * - The idempotency ledger insert and the partner record update share one
 *   transaction, so an event is either fully applied or not applied at all.
 * - Ledger inserts rely on the primary key of processed_stripe_events, which
 *   makes the check-and-record a single atomic statement.
 * - Partner rows are locked with FOR UPDATE while an event is projected.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kilolab/partner-payments-service/internal/domain"
)

const partnerAccountColumns = `
	partner_id::text,
	COALESCE(owner_user_id::text, ''),
	external_account_id,
	charges_enabled,
	payouts_enabled,
	details_submitted,
	onboarding_complete,
	last_event_id,
	last_event_at,
	created_at,
	updated_at
`

// PostgresRepository is the pgx implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithinStatusTx runs fn inside a transaction and commits only if fn succeeds.
func (r *PostgresRepository) WithinStatusTx(ctx context.Context, fn func(tx StatusTx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgxStatusTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit status tx: %w", err)
	}
	return nil
}

type pgxStatusTx struct {
	tx pgx.Tx
}

func (t *pgxStatusTx) TryMarkProcessed(ctx context.Context, evt domain.AccountStatusEvent) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO processed_stripe_events (event_id, event_type, external_account_id, outcome, processed_at)
		VALUES ($1, $2, $3, 'received', NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, evt.EventID, evt.EventType, evt.ExternalAccountID)
	if err != nil {
		return false, fmt.Errorf("mark event %s processed: %w", evt.EventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgxStatusTx) RecordOutcome(ctx context.Context, eventID string, outcome domain.Outcome) error {
	_, err := t.tx.Exec(ctx, `UPDATE processed_stripe_events SET outcome = $2 WHERE event_id = $1`, eventID, string(outcome))
	if err != nil {
		return fmt.Errorf("record outcome for event %s: %w", eventID, err)
	}
	return nil
}

func (t *pgxStatusTx) FindByExternalID(ctx context.Context, externalAccountID string) (*domain.PartnerAccountRecord, error) {
	query := `SELECT ` + partnerAccountColumns + ` FROM partner_accounts WHERE external_account_id = $1 FOR UPDATE`
	record, err := scanPartnerAccount(t.tx.QueryRow(ctx, query, externalAccountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find partner account %s: %w", externalAccountID, err)
	}
	return record, nil
}

func (t *pgxStatusTx) UpsertStatus(ctx context.Context, record domain.PartnerAccountRecord) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE partner_accounts
		SET charges_enabled = $2,
			payouts_enabled = $3,
			details_submitted = $4,
			onboarding_complete = $5,
			last_event_id = $6,
			last_event_at = $7,
			updated_at = $8
		WHERE external_account_id = $1
	`,
		record.ExternalAccountID,
		record.ChargesEnabled,
		record.PayoutsEnabled,
		record.DetailsSubmitted,
		domain.OnboardingComplete(record.DetailsSubmitted, record.ChargesEnabled),
		record.LastEventID,
		record.LastEventAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update partner account %s: %w", record.ExternalAccountID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update partner account %s: no row updated", record.ExternalAccountID)
	}
	return nil
}

func (t *pgxStatusTx) EnqueueStatusChange(ctx context.Context, msg StatusChangeMessage) error {
	return insertStatusChange(ctx, t.tx, msg)
}

// CreatePartnerAccount inserts a fresh record for a newly linked connected account.
// It returns false when the account was already linked.
func (r *PostgresRepository) CreatePartnerAccount(ctx context.Context, link domain.PartnerAccountLinkedEvent) (bool, error) {
	var ownerUserID *string
	if owner := strings.TrimSpace(link.OwnerUserID); owner != "" {
		ownerUserID = &owner
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO partner_accounts (partner_id, owner_user_id, external_account_id)
		VALUES ($1::uuid, $2::uuid, $3)
		ON CONFLICT (external_account_id) DO NOTHING
	`, strings.TrimSpace(link.PartnerID), ownerUserID, strings.TrimSpace(link.StripeAccountID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			log.Printf("level=warn component=store msg=\"partner already linked to another account\" partner_id=%s constraint=%s", link.PartnerID, pgErr.ConstraintName)
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetPartnerAccountByOwner returns the record owned by a user, or nil when none exists.
func (r *PostgresRepository) GetPartnerAccountByOwner(ctx context.Context, ownerUserID string) (*domain.PartnerAccountRecord, error) {
	query := `SELECT ` + partnerAccountColumns + ` FROM partner_accounts WHERE owner_user_id = $1::uuid LIMIT 1`
	record, err := scanPartnerAccount(r.db.QueryRow(ctx, query, strings.TrimSpace(ownerUserID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// GetPartnerAccountByExternalID returns the record linked to a connected account, or nil.
func (r *PostgresRepository) GetPartnerAccountByExternalID(ctx context.Context, externalAccountID string) (*domain.PartnerAccountRecord, error) {
	query := `SELECT ` + partnerAccountColumns + ` FROM partner_accounts WHERE external_account_id = $1`
	record, err := scanPartnerAccount(r.db.QueryRow(ctx, query, strings.TrimSpace(externalAccountID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// ListStaleIncompleteAccounts returns records still waiting on onboarding that
// have not been touched since updatedBefore, oldest first.
func (r *PostgresRepository) ListStaleIncompleteAccounts(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PartnerAccountRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + partnerAccountColumns + `
		FROM partner_accounts
		WHERE onboarding_complete = FALSE AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.PartnerAccountRecord, 0, limit)
	for rows.Next() {
		record, err := scanPartnerAccount(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// TouchPartnerAccount bumps updated_at so the record sorts last among sweep
// candidates. Flags and projection metadata are left as they are.
func (r *PostgresRepository) TouchPartnerAccount(ctx context.Context, externalAccountID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE partner_accounts SET updated_at = $2 WHERE external_account_id = $1`, strings.TrimSpace(externalAccountID), at)
	if err != nil {
		return fmt.Errorf("touch partner account %s: %w", externalAccountID, err)
	}
	return nil
}

// PruneProcessedEvents deletes ledger rows older than processedBefore.
func (r *PostgresRepository) PruneProcessedEvents(ctx context.Context, processedBefore time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM processed_stripe_events WHERE processed_at < $1`, processedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPartnerAccount(row pgx.Row) (*domain.PartnerAccountRecord, error) {
	var record domain.PartnerAccountRecord
	if err := row.Scan(
		&record.PartnerID,
		&record.OwnerUserID,
		&record.ExternalAccountID,
		&record.ChargesEnabled,
		&record.PayoutsEnabled,
		&record.DetailsSubmitted,
		&record.OnboardingComplete,
		&record.LastEventID,
		&record.LastEventAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}
