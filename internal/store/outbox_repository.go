/**
 * @description
 * Outbox storage for partner status change notifications.
 *
 * @notes
 * - Rows are delivered in id order per connected account. A row is not claimed
 *   while an older row for the same account is still pending or in flight, so
 *   consumers never see an older status after a newer one.
 * - A row that keeps failing is parked as 'dead' after maxOutboxAttempts and
 *   stops blocking later rows for its account.
 */
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	maxOutboxErrorLength = 2000
	maxOutboxAttempts    = 12
)

const claimOutboxQuery = `
	WITH candidates AS (
		SELECT o.id
		FROM event_outbox AS o
		WHERE (
			(o.status = 'pending' AND o.next_attempt_at <= NOW())
			OR (o.status = 'processing' AND o.processing_started_at < NOW() - ($2 * INTERVAL '1 millisecond'))
		)
		AND NOT EXISTS (
			SELECT 1
			FROM event_outbox AS earlier
			WHERE earlier.external_account_id = o.external_account_id
				AND earlier.id < o.id
				AND earlier.status IN ('pending', 'processing')
		)
		ORDER BY o.id
		LIMIT $1
		FOR UPDATE OF o SKIP LOCKED
	)
	UPDATE event_outbox AS o
	SET status = 'processing',
		processing_started_at = NOW(),
		attempts = o.attempts + 1
	FROM candidates
	WHERE o.id = candidates.id
	RETURNING o.id, o.exchange, o.routing_key, o.source_event_id, o.external_account_id, o.payload::text, o.attempts
`

// ClaimOutboxMessages moves up to limit deliverable rows to processing.
// Rows left in processing for longer than staleAfter are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}

	rows, err := r.db.Query(ctx, claimOutboxQuery, limit, staleAfter.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var (
			msg     OutboxMessage
			payload string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &msg.SourceEventID, &msg.ExternalAccountID, &payload, &msg.Attempts); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		msg.Payload = []byte(payload)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkOutboxPublished finalizes every row in ids in one statement.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = ANY($1) AND status = 'processing'
	`, ids)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// MarkOutboxFailed schedules another attempt after retryAfter, or parks the row
// as dead once it has used up its attempts. It reports whether the row is dead.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) (bool, error) {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	if len(reason) > maxOutboxErrorLength {
		reason = reason[:maxOutboxErrorLength]
	}

	var status string
	err := r.db.QueryRow(ctx, `
		UPDATE event_outbox
		SET status = CASE WHEN attempts >= $4 THEN 'dead' ELSE 'pending' END,
			next_attempt_at = NOW() + ($2 * INTERVAL '1 millisecond'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
		RETURNING status
	`, id, retryAfter.Milliseconds(), reason, maxOutboxAttempts).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("mark outbox %d failed: %w", id, err)
	}
	return status == "dead", nil
}

func insertStatusChange(ctx context.Context, tx pgx.Tx, msg StatusChangeMessage) error {
	payload, err := json.Marshal(msg.Event)
	if err != nil {
		return fmt.Errorf("encode status change for %s: %w", msg.Event.StripeAccountID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, source_event_id, external_account_id, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (source_event_id, routing_key) DO NOTHING
	`,
		strings.TrimSpace(msg.Exchange),
		strings.TrimSpace(msg.RoutingKey),
		msg.Event.SourceEventID,
		msg.Event.StripeAccountID,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("enqueue status change for %s: %w", msg.Event.StripeAccountID, err)
	}
	return nil
}
