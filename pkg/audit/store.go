package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dangsayz/12img.com-sub003/pkg/apperr"
	"github.com/dangsayz/12img.com-sub003/pkg/observability"
	"github.com/dangsayz/12img.com-sub003/pkg/rbac"
)

// Store persists and queries audit log entries. Entries are append-only.
type Store interface {
	// Append writes one entry, assigning ID and CreatedAt when unset
	Append(ctx context.Context, entry *Entry) error

	// Search returns one page of entries matching q, newest first
	Search(ctx context.Context, q Query) (*Page, error)

	// Get retrieves a single entry
	Get(ctx context.Context, id string) (*Entry, error)

	// DistinctValues lists the distinct values of a filterable field
	DistinctValues(ctx context.Context, field string) ([]string, error)
}

// DBStore implements Store on PostgreSQL
type DBStore struct {
	db           *sql.DB
	queryTimeout time.Duration
	metrics      *observability.Metrics
}

// NewDBStore creates a PostgreSQL-backed audit store
func NewDBStore(db *sql.DB, queryTimeout time.Duration, metrics *observability.Metrics) *DBStore {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &DBStore{db: db, queryTimeout: queryTimeout, metrics: metrics}
}

const entryColumns = `
	id, admin_id, admin_email, admin_role, action,
	target_type, target_id, target_identifier,
	metadata, ip_address, user_agent, request_id, created_at`

// Append writes one entry
func (s *DBStore) Append(ctx context.Context, entry *Entry) (err error) {
	defer func(start time.Time) { s.metrics.RecordStoreOperation("audit.append", start, err) }(time.Now())

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `
		INSERT INTO admin_audit_logs (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.AdminID, entry.AdminEmail, string(entry.AdminRole), entry.Action,
		nullString(entry.TargetType), nullString(entry.TargetID), nullString(entry.TargetIdentifier),
		metadataJSON, nullString(entry.IPAddress), nullString(entry.UserAgent), nullString(entry.RequestID),
		entry.CreatedAt,
	)
	if err != nil {
		return apperr.Dependency("audit.Append", fmt.Errorf("failed to insert audit log: %w", err))
	}
	return nil
}

// Search returns one page of entries matching q
func (s *DBStore) Search(ctx context.Context, q Query) (page *Page, err error) {
	defer func(start time.Time) { s.metrics.RecordStoreOperation("audit.search", start, err) }(time.Now())

	q.Normalize()
	where, args := buildWhere(q)

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM admin_audit_logs"+where, args...).Scan(&total); err != nil {
		return nil, apperr.Dependency("audit.Search", fmt.Errorf("failed to count audit logs: %w", err))
	}

	argCount := len(args) + 1
	query := fmt.Sprintf("SELECT %s FROM admin_audit_logs%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		entryColumns, where, argCount, argCount+1)
	args = append(args, q.PageSize, q.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Dependency("audit.Search", fmt.Errorf("failed to search audit logs: %w", err))
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, apperr.Dependency("audit.Search", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Dependency("audit.Search", fmt.Errorf("error iterating audit logs: %w", err))
	}

	return newPage(entries, total, q), nil
}

// Get retrieves a single entry by ID
func (s *DBStore) Get(ctx context.Context, id string) (entry *Entry, err error) {
	defer func(start time.Time) { s.metrics.RecordStoreOperation("audit.get", start, err) }(time.Now())

	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.Validation("audit.Get", "id", "audit log id must be a UUID")
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM admin_audit_logs WHERE id = $1", id)
	entry, err = scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("audit.Get", "audit log entry not found")
	}
	if err != nil {
		return nil, apperr.Dependency("audit.Get", err)
	}
	return entry, nil
}

// DistinctValues lists the distinct non-null values of field
func (s *DBStore) DistinctValues(ctx context.Context, field string) (values []string, err error) {
	defer func(start time.Time) { s.metrics.RecordStoreOperation("audit.distinct", start, err) }(time.Now())

	column, ok := distinctColumns[field]
	if !ok {
		return nil, apperr.Validation("audit.DistinctValues", "field", fmt.Sprintf("unsupported filter field %q", field))
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	// column comes from a fixed allow-list
	query := fmt.Sprintf("SELECT DISTINCT %[1]s FROM admin_audit_logs WHERE %[1]s IS NOT NULL ORDER BY %[1]s", column)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperr.Dependency("audit.DistinctValues", err)
	}
	defer rows.Close()

	values = []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, apperr.Dependency("audit.DistinctValues", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Dependency("audit.DistinctValues", err)
	}
	return values, nil
}

func buildWhere(q Query) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.AdminID != "" {
		add("admin_id = $%d", q.AdminID)
	}
	if q.TargetType != "" {
		add("target_type = $%d", q.TargetType)
	}
	if q.TargetID != "" {
		add("target_id = $%d", q.TargetID)
	}
	if q.From != nil {
		add("created_at >= $%d", *q.From)
	}
	if q.To != nil {
		add("created_at <= $%d", *q.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry                             Entry
		role                              string
		targetType, targetID, targetIdent sql.NullString
		ipAddress, userAgent, requestID   sql.NullString
		metadataJSON                      []byte
	)

	err := row.Scan(
		&entry.ID, &entry.AdminID, &entry.AdminEmail, &role, &entry.Action,
		&targetType, &targetID, &targetIdent,
		&metadataJSON, &ipAddress, &userAgent, &requestID, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.AdminRole = rbac.Role(role)
	entry.TargetType = targetType.String
	entry.TargetID = targetID.String
	entry.TargetIdentifier = targetIdent.String
	entry.IPAddress = ipAddress.String
	entry.UserAgent = userAgent.String
	entry.RequestID = requestID.String

	entry.Metadata = map[string]interface{}{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &entry, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
