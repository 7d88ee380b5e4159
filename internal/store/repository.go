package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/keeperhq/calkeeper/internal/event"
	"github.com/keeperhq/calkeeper/internal/loggy"
)

var (
	// ErrDestinationNotFound is returned when a destination is not found
	ErrDestinationNotFound = errors.New("destination not found")
)

// EventRepository reads locally recorded events for a sync pass.
type EventRepository interface {
	// GetSyncableEvents returns the user's events for the given sources,
	// earliest first. Events are read-only for the sync core.
	GetSyncableEvents(ctx context.Context, userID string, sourceIDs []string) ([]*event.SyncableEvent, error)
}

// DestinationRepository reads destination configs and writes the columns
// the sync core owns.
type DestinationRepository interface {
	GetDestinationsByUser(ctx context.Context, userID string) ([]*Destination, error)
	GetDestinationByID(ctx context.Context, id string) (*Destination, error)
	ListUserIDsWithDestinations(ctx context.Context) ([]string, error)

	// MarkNeedsReauth durably flags a destination whose authorization was
	// revoked or expired; visible to future syncs and to the UI.
	MarkNeedsReauth(ctx context.Context, destinationID string) error
	ClearNeedsReauth(ctx context.Context, destinationID string) error

	// UpdateTokens persists refreshed OAuth tokens (already encrypted).
	UpdateTokens(ctx context.Context, destinationID, accessToken, refreshToken string, expiry time.Time) error

	SetLastSyncedAt(ctx context.Context, destinationID string, at time.Time) error
}

// MappingRepository reads which sources feed a destination.
type MappingRepository interface {
	GetSourceIDs(ctx context.Context, destinationID string) ([]string, error)
}

// Repository bundles the read/write surface the sync core needs.
type Repository interface {
	EventRepository
	DestinationRepository
	MappingRepository
}

// SQLRepository implements Repository on SQLite.
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) Repository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// GetSyncableEvents returns the user's events for the given sources.
func (r *SQLRepository) GetSyncableEvents(ctx context.Context, userID string, sourceIDs []string) ([]*event.SyncableEvent, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}

	query, args, err := r.builder.
		Select(
			"e.id",
			"e.uid",
			"e.start_time",
			"e.end_time",
			"e.summary",
			"e.description",
			"e.source_id",
			"s.name",
			"s.url",
		).
		From("events e").
		Join("sources s ON s.id = e.source_id").
		Where(sq.Eq{"e.user_id": userID, "e.source_id": sourceIDs}).
		OrderBy("e.start_time ASC", "e.id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*event.SyncableEvent
	for rows.Next() {
		ev := &event.SyncableEvent{}
		if err := rows.Scan(
			&ev.ID,
			&ev.UID,
			&ev.Start,
			&ev.End,
			&ev.Summary,
			&ev.Description,
			&ev.SourceID,
			&ev.SourceName,
			&ev.SourceURL,
		); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

var destinationColumns = []string{
	"id",
	"user_id",
	"kind",
	"name",
	"calendar_id",
	"server_url",
	"username",
	"credentials",
	"access_token",
	"refresh_token",
	"token_expiry",
	"needs_reauth",
	"last_synced_at",
	"created_at",
	"updated_at",
}

func scanDestination(row sq.RowScanner) (*Destination, error) {
	d := &Destination{}
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.Kind,
		&d.Name,
		&d.CalendarID,
		&d.ServerURL,
		&d.Username,
		&d.Credentials,
		&d.AccessToken,
		&d.RefreshToken,
		&d.TokenExpiry,
		&d.NeedsReauth,
		&d.LastSyncedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetDestinationsByUser retrieves all destinations configured for a user.
func (r *SQLRepository) GetDestinationsByUser(ctx context.Context, userID string) ([]*Destination, error) {
	query, args, err := r.builder.
		Select(destinationColumns...).
		From("destinations").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying destinations: %w", err)
	}
	defer rows.Close()

	var destinations []*Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning destination: %w", err)
		}
		destinations = append(destinations, d)
	}

	return destinations, rows.Err()
}

// GetDestinationByID retrieves a destination by its ID.
func (r *SQLRepository) GetDestinationByID(ctx context.Context, id string) (*Destination, error) {
	query, args, err := r.builder.
		Select(destinationColumns...).
		From("destinations").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	d, err := scanDestination(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDestinationNotFound
		}
		return nil, fmt.Errorf("scanning destination: %w", err)
	}

	return d, nil
}

// ListUserIDsWithDestinations returns the distinct users with at least one
// destination, for the scheduled full-sync pass.
func (r *SQLRepository) ListUserIDsWithDestinations(ctx context.Context) ([]string, error) {
	query, args, err := r.builder.
		Select("DISTINCT user_id").
		From("destinations").
		OrderBy("user_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}

	return userIDs, rows.Err()
}

// MarkNeedsReauth durably flags a destination for re-authentication.
func (r *SQLRepository) MarkNeedsReauth(ctx context.Context, destinationID string) error {
	return r.setNeedsReauth(ctx, destinationID, true)
}

// ClearNeedsReauth clears the flag after the user re-authenticates.
func (r *SQLRepository) ClearNeedsReauth(ctx context.Context, destinationID string) error {
	return r.setNeedsReauth(ctx, destinationID, false)
}

func (r *SQLRepository) setNeedsReauth(ctx context.Context, destinationID string, flag bool) error {
	query, args, err := r.builder.
		Update("destinations").
		Set("needs_reauth", flag).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": destinationID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating needs_reauth: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDestinationNotFound
	}

	r.logger.Info("Updated destination reauth flag", "destination", destinationID, "needs_reauth", flag)
	return nil
}

// UpdateTokens persists refreshed OAuth tokens for a destination.
func (r *SQLRepository) UpdateTokens(ctx context.Context, destinationID, accessToken, refreshToken string, expiry time.Time) error {
	query, args, err := r.builder.
		Update("destinations").
		Set("access_token", accessToken).
		Set("refresh_token", refreshToken).
		Set("token_expiry", expiry).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": destinationID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating tokens: %w", err)
	}

	return nil
}

// SetLastSyncedAt records the completion time of a successful sync pass.
func (r *SQLRepository) SetLastSyncedAt(ctx context.Context, destinationID string, at time.Time) error {
	query, args, err := r.builder.
		Update("destinations").
		Set("last_synced_at", at).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": destinationID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating last_synced_at: %w", err)
	}

	return nil
}

// GetSourceIDs returns the IDs of the sources mapped to a destination.
func (r *SQLRepository) GetSourceIDs(ctx context.Context, destinationID string) ([]string, error) {
	query, args, err := r.builder.
		Select("source_id").
		From("source_destinations").
		Where(sq.Eq{"destination_id": destinationID}).
		OrderBy("source_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying mappings: %w", err)
	}
	defer rows.Close()

	var sourceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning source id: %w", err)
		}
		sourceIDs = append(sourceIDs, id)
	}

	return sourceIDs, rows.Err()
}
