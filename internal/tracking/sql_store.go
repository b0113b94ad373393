package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Schema is the DDL for the resource_call_records table and its indexes,
// matching spec §6 exactly. NewSQLStore applies it every time it opens a
// database; every statement is IF NOT EXISTS, so reapplying is harmless.
const Schema = `
CREATE TABLE IF NOT EXISTS resource_call_records (
	id                   UUID PRIMARY KEY,
	method               TEXT NOT NULL,
	path                 TEXT NOT NULL,
	route_key            TEXT,
	url                  TEXT NOT NULL,
	timestamp            TIMESTAMPTZ NOT NULL,
	payment_required     BOOLEAN NOT NULL DEFAULT FALSE,
	payment_verified     BOOLEAN NOT NULL DEFAULT FALSE,
	verification_error   TEXT,
	payment              JSONB,
	settlement           JSONB,
	upto_session         JSONB,
	response_status      INTEGER,
	response_time_ms     BIGINT,
	handler_executed     BOOLEAN NOT NULL DEFAULT FALSE,
	request              JSONB,
	route_config         JSONB,
	metadata             JSONB,
	x402_version         INTEGER,
	payment_nonce        TEXT,
	payload_hash         TEXT,
	requirements_hash    TEXT
);

CREATE INDEX IF NOT EXISTS idx_resource_call_records_timestamp ON resource_call_records (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_resource_call_records_path ON resource_call_records (path);
CREATE INDEX IF NOT EXISTS idx_resource_call_records_payment_verified ON resource_call_records (payment_verified);
CREATE INDEX IF NOT EXISTS idx_resource_call_records_x402_version ON resource_call_records (x402_version);
CREATE INDEX IF NOT EXISTS idx_resource_call_records_payment_nonce ON resource_call_records (payment_nonce);
CREATE INDEX IF NOT EXISTS idx_resource_call_records_payload_hash ON resource_call_records (payload_hash);
CREATE INDEX IF NOT EXISTS idx_resource_call_records_requirements_hash ON resource_call_records (requirements_hash);
CREATE INDEX IF NOT EXISTS idx_resource_call_records_payment_network ON resource_call_records ((payment->>'network'));
CREATE INDEX IF NOT EXISTS idx_resource_call_records_payment_scheme ON resource_call_records ((payment->>'scheme'));
CREATE INDEX IF NOT EXISTS idx_resource_call_records_payment_payer ON resource_call_records ((payment->>'payer')) WHERE payment IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_resource_call_records_settlement_success ON resource_call_records ((settlement->>'success')) WHERE settlement IS NOT NULL;
`

// SQLStore is the lib/pq-backed Store implementation, selected when
// DATABASE_URL is configured.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens databaseURL and ensures the schema exists.
func NewSQLStore(ctx context.Context, databaseURL string) (*SQLStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Create(ctx context.Context, r *Record) error {
	payment, settlement, uptoSession, request, routeConfig, metadata, err := marshalJSONColumns(r)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resource_call_records (
			id, method, path, route_key, url, timestamp,
			payment_required, payment_verified, verification_error,
			payment, settlement, upto_session,
			response_status, response_time_ms, handler_executed,
			request, route_config, metadata,
			x402_version, payment_nonce, payload_hash, requirements_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		r.ID, r.Method, r.Path, r.RouteKey, r.URL, r.Timestamp,
		r.PaymentRequired, r.PaymentVerified, r.VerificationError,
		payment, settlement, uptoSession,
		r.ResponseStatus, r.ResponseTimeMs, r.HandlerExecuted,
		request, routeConfig, metadata,
		auditX402Version(r), auditNonce(r), auditPayloadHash(r), auditRequirementsHash(r),
	)
	return err
}

func (s *SQLStore) Update(ctx context.Context, r *Record) error {
	payment, settlement, uptoSession, request, routeConfig, metadata, err := marshalJSONColumns(r)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE resource_call_records SET
			payment_required=$2, payment_verified=$3, verification_error=$4,
			payment=$5, settlement=$6, upto_session=$7,
			response_status=$8, response_time_ms=$9, handler_executed=$10,
			request=$11, route_config=$12, metadata=$13,
			x402_version=$14, payment_nonce=$15, payload_hash=$16, requirements_hash=$17
		WHERE id=$1
	`,
		r.ID,
		r.PaymentRequired, r.PaymentVerified, r.VerificationError,
		payment, settlement, uptoSession,
		r.ResponseStatus, r.ResponseTimeMs, r.HandlerExecuted,
		request, routeConfig, metadata,
		auditX402Version(r), auditNonce(r), auditPayloadHash(r), auditRequirementsHash(r),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("tracking record %s not found", r.ID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, method, path, route_key, url, timestamp,
			payment_required, payment_verified, verification_error,
			payment, settlement, upto_session,
			response_status, response_time_ms, handler_executed,
			request, route_config, metadata
		FROM resource_call_records WHERE id=$1
	`, id)
	return scanRecord(row)
}

func (s *SQLStore) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Path != "" {
		where = append(where, "path = "+arg(opts.Path))
	}
	if opts.Method != "" {
		where = append(where, "method = "+arg(opts.Method))
	}
	if opts.Network != "" {
		where = append(where, "payment->>'network' = "+arg(opts.Network))
	}
	if opts.Scheme != "" {
		where = append(where, "payment->>'scheme' = "+arg(opts.Scheme))
	}
	if opts.Payer != "" {
		where = append(where, "payment->>'payer' = "+arg(opts.Payer))
	}
	if opts.PaymentRequired != nil {
		where = append(where, "payment_required = "+arg(*opts.PaymentRequired))
	}
	if opts.PaymentVerified != nil {
		where = append(where, "payment_verified = "+arg(*opts.PaymentVerified))
	}
	if opts.SettlementSuccess != nil {
		where = append(where, "settlement->>'success' = "+arg(fmt.Sprintf("%t", *opts.SettlementSuccess)))
	}
	if !opts.Since.IsZero() {
		where = append(where, "timestamp >= "+arg(opts.Since))
	}
	if !opts.Until.IsZero() {
		where = append(where, "timestamp <= "+arg(opts.Until))
	}
	if opts.MinResponseTimeMs > 0 {
		where = append(where, "response_time_ms >= "+arg(opts.MinResponseTimeMs))
	}
	if opts.MaxResponseTimeMs > 0 {
		where = append(where, "response_time_ms <= "+arg(opts.MaxResponseTimeMs))
	}

	sortColumn := "timestamp"
	switch opts.SortBy {
	case "responseTimeMs":
		sortColumn = "response_time_ms"
	case "path":
		sortColumn = "path"
	}
	sortOrder := "DESC"
	if opts.SortOrder == "asc" {
		sortOrder = "ASC"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, method, path, route_key, url, timestamp,
			payment_required, payment_verified, verification_error,
			payment, settlement, upto_session,
			response_status, response_time_ms, handler_executed,
			request, route_config, metadata
		FROM resource_call_records
		WHERE %s
		ORDER BY %s %s
		LIMIT %s OFFSET %s
	`, strings.Join(where, " AND "), sortColumn, sortOrder, arg(limit+1), arg(opts.Offset))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}

	return &ListResult{Records: records, HasMore: hasMore, NextCursor: opts.Offset + len(records)}, nil
}

func (s *SQLStore) GetStats(ctx context.Context, start, end time.Time) (*Stats, error) {
	stats := &Stats{
		ByPath:               make(map[string]int64),
		ByNetwork:            make(map[string]int64),
		ByScheme:             make(map[string]int64),
		VolumeByNetwork:      make(map[string]string),
		VolumeByNetworkAsset: make(map[string]string),
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE payment_required),
			COUNT(*) FILTER (WHERE payment_verified),
			COUNT(*) FILTER (WHERE settlement->>'success' = 'true'),
			COUNT(*) FILTER (WHERE settlement->>'success' = 'false'),
			COALESCE(AVG(response_time_ms), 0),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY response_time_ms), 0)
		FROM resource_call_records
		WHERE ($1 = TIMESTAMPTZ 'epoch' OR timestamp >= $1)
		  AND ($2 = TIMESTAMPTZ 'epoch' OR timestamp <= $2)
	`, nullableTime(start), nullableTime(end))

	if err := row.Scan(
		&stats.Total, &stats.PaymentRequired, &stats.Verified, &stats.Settled, &stats.Failed,
		&stats.AvgResponseTimeMs, &stats.P95ResponseTimeMs,
	); err != nil {
		return nil, err
	}

	return stats, nil
}

func nullableTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return t
}

func (s *SQLStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM resource_call_records WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	return scanRecordRows(row)
}

func scanRecordRows(row scanner) (*Record, error) {
	var r Record
	var routeKey, verificationError sql.NullString
	var payment, settlement, uptoSession, request, routeConfig, metadata []byte

	if err := row.Scan(
		&r.ID, &r.Method, &r.Path, &routeKey, &r.URL, &r.Timestamp,
		&r.PaymentRequired, &r.PaymentVerified, &verificationError,
		&payment, &settlement, &uptoSession,
		&r.ResponseStatus, &r.ResponseTimeMs, &r.HandlerExecuted,
		&request, &routeConfig, &metadata,
	); err != nil {
		return nil, err
	}

	r.RouteKey = routeKey.String
	r.VerificationError = verificationError.String

	if len(payment) > 0 {
		r.Payment = &Payment{}
		if err := json.Unmarshal(payment, r.Payment); err != nil {
			return nil, err
		}
	}
	if len(settlement) > 0 {
		r.Settlement = &Settlement{}
		if err := json.Unmarshal(settlement, r.Settlement); err != nil {
			return nil, err
		}
	}
	if len(uptoSession) > 0 {
		r.UptoSession = &UptoSessionInfo{}
		if err := json.Unmarshal(uptoSession, r.UptoSession); err != nil {
			return nil, err
		}
	}
	if len(request) > 0 {
		if err := json.Unmarshal(request, &r.Request); err != nil {
			return nil, err
		}
	}
	if len(routeConfig) > 0 {
		if err := json.Unmarshal(routeConfig, &r.RouteConfig); err != nil {
			return nil, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, err
		}
	}

	return &r, nil
}

func marshalJSONColumns(r *Record) (payment, settlement, uptoSession, request, routeConfig, metadata []byte, err error) {
	if r.Payment != nil {
		if payment, err = json.Marshal(r.Payment); err != nil {
			return
		}
	}
	if r.Settlement != nil {
		if settlement, err = json.Marshal(r.Settlement); err != nil {
			return
		}
	}
	if r.UptoSession != nil {
		if uptoSession, err = json.Marshal(r.UptoSession); err != nil {
			return
		}
	}
	if request, err = json.Marshal(r.Request); err != nil {
		return
	}
	if r.RouteConfig != nil {
		if routeConfig, err = json.Marshal(r.RouteConfig); err != nil {
			return
		}
	}
	if r.Metadata != nil {
		if metadata, err = json.Marshal(r.Metadata); err != nil {
			return
		}
	}
	return
}

func auditX402Version(r *Record) int {
	if r.Payment == nil {
		return 0
	}
	return r.Payment.X402Version
}

func auditNonce(r *Record) string {
	if r.Payment == nil {
		return ""
	}
	return r.Payment.PaymentNonce
}

func auditPayloadHash(r *Record) string {
	if r.Payment == nil {
		return ""
	}
	return r.Payment.PayloadHash
}

func auditRequirementsHash(r *Record) string {
	if r.Payment == nil {
		return ""
	}
	return r.Payment.RequirementsHash
}
