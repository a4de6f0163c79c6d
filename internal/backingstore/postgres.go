package backingstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/models"
)

// datasetsTable is the single global worksheet-equivalent for dataset rows.
const datasetsTable = "datasets"

// authLogTable is the append-only auth event log.
const authLogTable = "auth_log"

// customersTable is the customer master list the customer cache refetches
// every TTL.
const customersTable = "customers"

// PostgresStore implements Store over a pgx/v5 connection pool, guarded by a
// circuit breaker so a degraded backend fails fast instead of piling up
// blocked flush attempts.
type PostgresStore struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewPostgresStore connects to dsn, verifies it with a ping, creates the
// fixed schema (datasets, auth_log, customers) if absent, and wraps every call in a
// circuit breaker.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32, logger *zap.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "backingstore: parse dsn")
	}
	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "backingstore: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "backingstore: ping")
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backingstore",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("backingstore circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	s := &PostgresStore{pool: pool, breaker: breaker, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+datasetsTable+` (
			id text PRIMARY KEY,
			normalized_address text NOT NULL,
			street text NOT NULL,
			house_number text NOT NULL,
			city text,
			postal text NOT NULL,
			created_by text NOT NULL,
			created_at_iso text NOT NULL,
			raw_resident_data text,
			residents_json text
		);
		CREATE TABLE IF NOT EXISTS `+authLogTable+` (
			id bigserial PRIMARY KEY,
			user_id text NOT NULL,
			username text,
			timestamp_ms bigint NOT NULL,
			log_type text NOT NULL,
			data text,
			created_at_ms bigint NOT NULL DEFAULT (extract(epoch from now()) * 1000)::bigint,
			UNIQUE (user_id, timestamp_ms, log_type)
		);
		CREATE TABLE IF NOT EXISTS `+customersTable+` (
			id text PRIMARY KEY,
			name text NOT NULL,
			street text NOT NULL,
			house_number text,
			postal text NOT NULL,
			is_existing boolean NOT NULL DEFAULT false
		);
	`)
	return eris.Wrap(err, "backingstore: init schema")
}

// FetchAllCustomers loads the entire customer master list, implementing
// customercache.Fetcher.
func (s *PostgresStore) FetchAllCustomers(ctx context.Context) ([]models.Customer, error) {
	var out []models.Customer
	err := s.execBreaker(ctx, func() (interface{}, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT id, name, street, house_number, postal, is_existing FROM `+customersTable)
		if err != nil {
			return nil, eris.Wrap(err, "backingstore: fetch customers")
		}
		defer rows.Close()
		for rows.Next() {
			var c models.Customer
			var houseNumber *string
			if err := rows.Scan(&c.ID, &c.Name, &c.Street, &houseNumber, &c.Postal, &c.IsExisting); err != nil {
				return nil, eris.Wrap(err, "backingstore: scan customer row")
			}
			if houseNumber != nil {
				c.HouseNumber = *houseNumber
			}
			out = append(out, c)
		}
		return nil, rows.Err()
	})
	return out, err
}

func (s *PostgresStore) execBreaker(ctx context.Context, fn func() (interface{}, error)) error {
	_, err := s.breaker.Execute(fn)
	return err
}

// Append implements Appender for the datasets worksheet.
func (s *PostgresStore) Append(ctx context.Context, worksheet string, row DatasetRow) error {
	return s.execBreaker(ctx, func() (interface{}, error) {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO `+datasetsTable+`
				(id, normalized_address, street, house_number, city, postal, created_by, created_at_iso, raw_resident_data, residents_json)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO NOTHING`,
			row.ID, row.NormalizedAddress, row.Street, row.HouseNumber, row.City, row.Postal,
			row.CreatedBy, row.CreatedAtISO, row.RawResidentData, row.ResidentsJSON,
		)
		return nil, eris.Wrapf(err, "backingstore: append dataset %s", row.ID)
	})
}

// UpdateRow implements BatchUpdater: a range-update of the single row by id.
func (s *PostgresStore) UpdateRow(ctx context.Context, worksheet string, row DatasetRow) error {
	return s.execBreaker(ctx, func() (interface{}, error) {
		_, err := s.pool.Exec(ctx, `
			UPDATE `+datasetsTable+` SET
				normalized_address=$2, street=$3, house_number=$4, city=$5, postal=$6,
				created_by=$7, created_at_iso=$8, raw_resident_data=$9, residents_json=$10
			WHERE id=$1`,
			row.ID, row.NormalizedAddress, row.Street, row.HouseNumber, row.City, row.Postal,
			row.CreatedBy, row.CreatedAtISO, row.RawResidentData, row.ResidentsJSON,
		)
		return nil, eris.Wrapf(err, "backingstore: update dataset %s", row.ID)
	})
}

// BatchAppend implements BatchAppender for per-user/per-worksheet log tables.
func (s *PostgresStore) BatchAppend(ctx context.Context, worksheet string, rows []LogRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.execBreaker(ctx, func() (interface{}, error) {
		tableName := logTableName(worksheet)
		if err := s.ensureLogTable(ctx, tableName); err != nil {
			return nil, err
		}

		batch := &pgx.Batch{}
		for _, r := range rows {
			batch.Queue(`
				INSERT INTO `+tableName+` (user_id, username, timestamp_ms, log_type, data)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (user_id, timestamp_ms, log_type) DO NOTHING`,
				r.UserID, r.Username, r.TimestampMs, r.LogType, r.Data,
			)
		}
		br := s.pool.SendBatch(ctx, batch)
		defer br.Close()
		for i := 0; i < len(rows); i++ {
			if _, err := br.Exec(); err != nil {
				return nil, eris.Wrapf(err, "backingstore: batch append row %d into %s", i, tableName)
			}
		}
		return nil, nil
	})
}

func (s *PostgresStore) ensureLogTable(ctx context.Context, tableName string) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+tableName+` (
			id bigserial PRIMARY KEY,
			user_id text NOT NULL,
			username text,
			timestamp_ms bigint NOT NULL,
			log_type text NOT NULL,
			data text,
			created_at_ms bigint NOT NULL DEFAULT (extract(epoch from now()) * 1000)::bigint,
			UNIQUE (user_id, timestamp_ms, log_type)
		)`)
	return eris.Wrapf(err, "backingstore: ensure log table %s", tableName)
}

// ListWorksheets enumerates per-producer log tables matching prefix, used by
// the unassigned-data reconciler to find worksheets not yet mapped to a user.
func (s *PostgresStore) ListWorksheets(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := s.execBreaker(ctx, func() (interface{}, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT table_name FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name LIKE $1`,
			prefix+"%",
		)
		if err != nil {
			return nil, eris.Wrap(err, "backingstore: list worksheets")
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, eris.Wrap(err, "backingstore: scan worksheet name")
			}
			names = append(names, name)
		}
		return nil, rows.Err()
	})
	return names, err
}

// AddWorksheet creates a per-producer log table on demand; headers are
// implicit in the fixed schema.
func (s *PostgresStore) AddWorksheet(ctx context.Context, name string, headers []string) error {
	return s.ensureLogTable(ctx, logTableName(name))
}

// DeleteWorksheet drops a per-producer log table once its rows have been
// migrated by the reconciler.
func (s *PostgresStore) DeleteWorksheet(ctx context.Context, name string) error {
	return s.execBreaker(ctx, func() (interface{}, error) {
		_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS `+logTableName(name))
		return nil, eris.Wrapf(err, "backingstore: delete worksheet %s", name)
	})
}

// LoadAllDatasets loads every dataset row for the cache's initial fill.
func (s *PostgresStore) LoadAllDatasets(ctx context.Context) ([]DatasetRow, error) {
	var out []DatasetRow
	err := s.execBreaker(ctx, func() (interface{}, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT id, normalized_address, street, house_number, city, postal,
			       created_by, created_at_iso, raw_resident_data, residents_json
			FROM `+datasetsTable)
		if err != nil {
			return nil, eris.Wrap(err, "backingstore: load all datasets")
		}
		defer rows.Close()
		for rows.Next() {
			var r DatasetRow
			if err := rows.Scan(&r.ID, &r.NormalizedAddress, &r.Street, &r.HouseNumber, &r.City, &r.Postal,
				&r.CreatedBy, &r.CreatedAtISO, &r.RawResidentData, &r.ResidentsJSON); err != nil {
				return nil, eris.Wrap(err, "backingstore: scan dataset row")
			}
			out = append(out, r)
		}
		return nil, rows.Err()
	})
	return out, err
}

// LoadWorksheetRows reads every row of a per-producer log table.
func (s *PostgresStore) LoadWorksheetRows(ctx context.Context, worksheet string) ([]LogRow, error) {
	var out []LogRow
	err := s.execBreaker(ctx, func() (interface{}, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT user_id, username, timestamp_ms, log_type, data FROM `+logTableName(worksheet))
		if err != nil {
			return nil, eris.Wrapf(err, "backingstore: load worksheet rows %s", worksheet)
		}
		defer rows.Close()
		for rows.Next() {
			var r LogRow
			if err := rows.Scan(&r.UserID, &r.Username, &r.TimestampMs, &r.LogType, &r.Data); err != nil {
				return nil, eris.Wrap(err, "backingstore: scan worksheet row")
			}
			out = append(out, r)
		}
		return nil, rows.Err()
	})
	return out, err
}

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func logTableName(worksheet string) string {
	return pgx.Identifier{sanitizeTableName(worksheet)}.Sanitize()
}

func sanitizeTableName(raw string) string {
	return fmt.Sprintf("user_logs_%s", sanitizeIdentifierPart(raw))
}

func sanitizeIdentifierPart(raw string) string {
	out := make([]rune, 0, len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
