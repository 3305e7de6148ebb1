package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/outbox"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libOpentelemetry "github.com/LerianStudio/outbox-relay/opentelemetry"
)

const (
	// DefaultTable is the table created by the embedded migrations.
	DefaultTable = "core.event_outbox"

	maxSQLIdentifierLength = 63
	defaultClaimTimeout    = 30 * time.Second

	pgUndefinedTable  = "42P01"
	pgUndefinedColumn = "42703"
)

var (
	ErrDBRequired        = errors.New("postgres outbox store requires a database")
	ErrInvalidIdentifier = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// DB is the subset of dbresolver.DB the store needs. BeginTx runs on the
// primary and QueryRowContext on a replica.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (dbresolver.Tx, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var _ DB = (dbresolver.DB)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTable sets the schema-qualified outbox table.
func WithTable(table string) Option {
	return func(store *Store) {
		if table = strings.TrimSpace(table); table != "" {
			store.table = table
		}
	}
}

// WithSchema selects the column layout.
func WithSchema(schema outbox.Schema) Option {
	return func(store *Store) {
		store.schema = schema
	}
}

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if !nilcheck.Interface(logger) {
			store.logger = logger
		}
	}
}

// WithTracer sets the store tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(store *Store) {
		if !nilcheck.Interface(tracer) {
			store.tracer = tracer
		}
	}
}

// WithClaimTimeout bounds how long a claimed batch may stay open.
func WithClaimTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.claimTimeout = timeout
		}
	}
}

// Store is a Postgres outbox.Store.
type Store struct {
	db           DB
	table        string
	schema       outbox.Schema
	claimTimeout time.Duration
	logger       log.Logger
	tracer       trace.Tracer

	claimQuery string
	countQuery string
}

var (
	_ outbox.Store          = (*Store)(nil)
	_ outbox.PendingCounter = (*Store)(nil)
)

// NewStore validates the table name and prepares the claim query.
func NewStore(db DB, opts ...Option) (*Store, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDBRequired
	}

	store := &Store{
		db:           db,
		table:        DefaultTable,
		schema:       outbox.SchemaPayload,
		claimTimeout: defaultClaimTimeout,
		logger:       log.NewNop(),
		tracer:       noop.NewTracerProvider().Tracer("outbox.postgres.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if err := validateIdentifierPath(store.table); err != nil {
		return nil, fmt.Errorf("table %q: %w", store.table, err)
	}

	claimQuery, err := buildClaimQuery(quoteIdentifierPath(store.table), store.schema)
	if err != nil {
		return nil, err
	}

	store.claimQuery = claimQuery
	store.countQuery = "SELECT count(*) FROM " + quoteIdentifierPath(store.table)

	return store, nil
}

func buildClaimQuery(table string, schema outbox.Schema) (string, error) {
	var returning string

	switch schema {
	case outbox.SchemaPayload:
		returning = "id, created_at, entity_id, event_name, payload"
	case outbox.SchemaLabeled:
		returning = "id, created_at, entity_id, app_id, table_name, label"
	default:
		return "", fmt.Errorf("%w: %q", outbox.ErrSchemaInvalid, schema)
	}

	return "DELETE FROM " + table + " WHERE id IN (" +
		"SELECT id FROM " + table + " ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED" +
		") RETURNING " + returning, nil
}

// Table implements the table label used in drainer logs.
func (store *Store) Table() string {
	return store.table
}

// Claim opens a transaction and deletes the oldest unlocked rows, returning
// them inside a batch that still holds the transaction. The deletion only
// becomes visible when the batch commits.
func (store *Store) Claim(ctx context.Context, limit int) (outbox.Batch, error) {
	if limit <= 0 {
		limit = 1
	}

	ctx, span := store.tracer.Start(ctx, "postgres.claim_outbox")
	defer span.End()

	span.SetAttributes(attribute.String("db.table", store.table), attribute.Int("outbox.limit", limit))

	txCtx, cancel := context.WithTimeout(ctx, store.claimTimeout)

	tx, err := store.db.BeginTx(txCtx, nil)
	if err != nil {
		cancel()
		libOpentelemetry.HandleSpanError(span, "begin failed", err)

		return nil, fmt.Errorf("begin outbox transaction: %w", classify(err))
	}

	entries, err := store.claimRows(txCtx, tx, limit)
	if err != nil {
		_ = tx.Rollback()

		cancel()
		libOpentelemetry.HandleSpanError(span, "claim failed", err)

		return nil, err
	}

	span.SetAttributes(attribute.Int("outbox.claimed", len(entries)))

	return &batch{tx: tx, entries: entries, cancel: cancel}, nil
}

func (store *Store) claimRows(ctx context.Context, tx querier, limit int) ([]outbox.Entry, error) {
	rows, err := tx.QueryContext(ctx, store.claimQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", classify(err))
	}
	defer rows.Close()

	entries := make([]outbox.Entry, 0, limit)

	for rows.Next() {
		entry, err := store.scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", classify(err))
	}

	// RETURNING does not preserve the subquery order.
	slices.SortStableFunc(entries, func(a, b outbox.Entry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return entries, nil
}

func (store *Store) scanEntry(rows *sql.Rows) (outbox.Entry, error) {
	var (
		entry    outbox.Entry
		id       uuid.UUID
		entityID sql.NullString
		err      error
	)

	switch store.schema {
	case outbox.SchemaLabeled:
		var appID, tableName, label sql.NullString

		err = rows.Scan(&id, &entry.CreatedAt, &entityID, &appID, &tableName, &label)
		entry.AppID, entry.TableName, entry.Label = appID.String, tableName.String, label.String
	default:
		var eventName sql.NullString

		err = rows.Scan(&id, &entry.CreatedAt, &entityID, &eventName, &entry.Payload)
		entry.EventName = eventName.String
	}

	if err != nil {
		return outbox.Entry{}, fmt.Errorf("%w: scan outbox row: %w", outbox.ErrMalformedEntry, err)
	}

	entry.ID = id
	entry.EntityID = entityID.String

	return entry, nil
}

// Pending counts queued rows, read through the replica when one is
// configured.
func (store *Store) Pending(ctx context.Context) (int64, error) {
	var count int64

	if err := store.db.QueryRowContext(ctx, store.countQuery).Scan(&count); err != nil {
		return 0, fmt.Errorf("count outbox rows: %w", classify(err))
	}

	return count, nil
}

type batch struct {
	tx      dbresolver.Tx
	entries []outbox.Entry
	cancel  context.CancelFunc
}

func (b *batch) Entries() []outbox.Entry {
	return b.entries
}

func (b *batch) Commit(_ context.Context) error {
	defer b.cancel()

	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox transaction: %w", err)
	}

	return nil
}

func (b *batch) Rollback(_ context.Context) error {
	defer b.cancel()

	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback outbox transaction: %w", err)
	}

	return nil
}

// classify marks missing tables and columns as malformed state so the drain
// loop stops instead of retrying a query that cannot succeed.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUndefinedTable, pgUndefinedColumn:
			return fmt.Errorf("%w: %w", outbox.ErrMalformedEntry, err)
		}
	}

	return err
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength || !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) > 2 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
