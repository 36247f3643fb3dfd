package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flashbots/fedrelay/protocol"
	_ "github.com/lib/pq"
)

// PostgresBackend persists store writes to PostgreSQL.
type PostgresBackend struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresBackend connects with a config.
func NewPostgresBackend(config *PostgresConfig) (*PostgresBackend, error) {
	return OpenPostgresBackend(config.ConnectionString())
}

// OpenPostgresBackend connects with a DSN and runs migrations.
func OpenPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	b := &PostgresBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return b, nil
}

func (b *PostgresBackend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS key_bundles (
		client_id VARCHAR(256) PRIMARY KEY,
		public_key BYTEA NOT NULL,
		eval_mult_key BYTEA NOT NULL,
		eval_sum_key BYTEA NOT NULL,
		registered_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rekeys (
		from_client VARCHAR(256) NOT NULL,
		to_client VARCHAR(256) NOT NULL,
		rekey BYTEA NOT NULL,
		registered_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (from_client, to_client)
	);

	CREATE TABLE IF NOT EXISTS round_inputs (
		round BIGINT PRIMARY KEY,
		model VARCHAR(256) NOT NULL DEFAULT '',
		version VARCHAR(256) NOT NULL DEFAULT '',
		payload JSONB NOT NULL,
		received_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS submissions (
		round BIGINT NOT NULL,
		client_id VARCHAR(256) NOT NULL,
		params BYTEA NOT NULL,
		layout JSONB NOT NULL,
		chunk_total INTEGER NOT NULL,
		submitted_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (round, client_id)
	);

	CREATE TABLE IF NOT EXISTS aggregates (
		round BIGINT NOT NULL,
		client_id VARCHAR(256) NOT NULL,
		params BYTEA NOT NULL,
		layout JSONB NOT NULL,
		report_id VARCHAR(64) NOT NULL DEFAULT '',
		computed_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (round, client_id)
	);

	CREATE TABLE IF NOT EXISTS results (
		round BIGINT NOT NULL,
		client_id VARCHAR(256) NOT NULL,
		record JSONB NOT NULL,
		received_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (round, client_id)
	);

	CREATE TABLE IF NOT EXISTS aggregation_reports (
		round BIGINT PRIMARY KEY,
		report JSONB NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := b.db.ExecContext(ctx, schema)
	return err
}

func (b *PostgresBackend) SaveKeyBundle(ctx context.Context, k *protocol.KeyBundle) error {
	_, err := b.db.ExecContext(ctx, `
	INSERT INTO key_bundles (client_id, public_key, eval_mult_key, eval_sum_key, registered_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (client_id) DO UPDATE SET
		public_key = EXCLUDED.public_key,
		eval_mult_key = EXCLUDED.eval_mult_key,
		eval_sum_key = EXCLUDED.eval_sum_key,
		registered_at = EXCLUDED.registered_at
	`, string(k.ClientID), k.PublicKey, k.EvalMultKey, k.EvalSumKey, k.RegisteredAt)
	return err
}

func (b *PostgresBackend) SaveRekey(ctx context.Context, e *protocol.RekeyEdge) error {
	_, err := b.db.ExecContext(ctx, `
	INSERT INTO rekeys (from_client, to_client, rekey, registered_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (from_client, to_client) DO UPDATE SET
		rekey = EXCLUDED.rekey,
		registered_at = EXCLUDED.registered_at
	`, string(e.From), string(e.To), e.Rekey, e.RegisteredAt)
	return err
}

func (b *PostgresBackend) SaveInput(ctx context.Context, in *protocol.InputRecord) error {
	_, err := b.db.ExecContext(ctx, `
	INSERT INTO round_inputs (round, model, version, payload, received_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (round) DO UPDATE SET
		model = EXCLUDED.model,
		version = EXCLUDED.version,
		payload = EXCLUDED.payload,
		received_at = EXCLUDED.received_at
	`, int64(in.Round), in.Model, in.Version, []byte(in.Payload), in.ReceivedAt)
	return err
}

func (b *PostgresBackend) SaveSubmission(ctx context.Context, s *protocol.Submission) error {
	layout, err := json.Marshal(s.Layout)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
	INSERT INTO submissions (round, client_id, params, layout, chunk_total, submitted_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (round, client_id) DO UPDATE SET
		params = EXCLUDED.params,
		layout = EXCLUDED.layout,
		chunk_total = EXCLUDED.chunk_total,
		submitted_at = EXCLUDED.submitted_at
	`, int64(s.Round), string(s.ClientID), s.Params, layout, s.ChunkTotal, s.SubmittedAt)
	return err
}

func (b *PostgresBackend) SaveAggregate(ctx context.Context, a *protocol.Aggregate) error {
	layout, err := json.Marshal(a.Layout)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
	INSERT INTO aggregates (round, client_id, params, layout, report_id, computed_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (round, client_id) DO UPDATE SET
		params = EXCLUDED.params,
		layout = EXCLUDED.layout,
		report_id = EXCLUDED.report_id,
		computed_at = EXCLUDED.computed_at
	`, int64(a.Round), string(a.ClientID), a.Params, layout, a.ReportID, a.ComputedAt)
	return err
}

func (b *PostgresBackend) SaveResult(ctx context.Context, r *protocol.ResultRecord) error {
	record, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
	INSERT INTO results (round, client_id, record, received_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (round, client_id) DO UPDATE SET
		record = EXCLUDED.record,
		received_at = EXCLUDED.received_at
	`, int64(r.Round), string(r.ClientID), record, r.ReceivedAt)
	return err
}

func (b *PostgresBackend) SaveReport(ctx context.Context, r *protocol.AggregationReport) error {
	report, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
	INSERT INTO aggregation_reports (round, report, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (round) DO UPDATE SET
		report = EXCLUDED.report,
		updated_at = NOW()
	`, int64(r.Round), report)
	return err
}

// Load retrieves every persisted record.
func (b *PostgresBackend) Load(ctx context.Context) (*State, error) {
	st := &State{}

	if err := b.query(ctx, `SELECT client_id, public_key, eval_mult_key, eval_sum_key, registered_at FROM key_bundles`,
		func(rows *sql.Rows) error {
			var k protocol.KeyBundle
			var id string
			if err := rows.Scan(&id, &k.PublicKey, &k.EvalMultKey, &k.EvalSumKey, &k.RegisteredAt); err != nil {
				return err
			}
			k.ClientID = protocol.ClientID(id)
			st.Bundles = append(st.Bundles, &k)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("loading key bundles: %w", err)
	}

	if err := b.query(ctx, `SELECT from_client, to_client, rekey, registered_at FROM rekeys`,
		func(rows *sql.Rows) error {
			var e protocol.RekeyEdge
			var from, to string
			if err := rows.Scan(&from, &to, &e.Rekey, &e.RegisteredAt); err != nil {
				return err
			}
			e.From, e.To = protocol.ClientID(from), protocol.ClientID(to)
			st.Rekeys = append(st.Rekeys, &e)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("loading rekeys: %w", err)
	}

	if err := b.query(ctx, `SELECT round, model, version, payload, received_at FROM round_inputs`,
		func(rows *sql.Rows) error {
			var in protocol.InputRecord
			var round int64
			var payload []byte
			if err := rows.Scan(&round, &in.Model, &in.Version, &payload, &in.ReceivedAt); err != nil {
				return err
			}
			in.Round, in.Payload = protocol.Round(round), payload
			st.Inputs = append(st.Inputs, &in)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("loading inputs: %w", err)
	}

	if err := b.query(ctx, `SELECT round, client_id, params, layout, chunk_total, submitted_at FROM submissions`,
		func(rows *sql.Rows) error {
			var s protocol.Submission
			var round int64
			var id string
			var layout []byte
			if err := rows.Scan(&round, &id, &s.Params, &layout, &s.ChunkTotal, &s.SubmittedAt); err != nil {
				return err
			}
			if err := json.Unmarshal(layout, &s.Layout); err != nil {
				return fmt.Errorf("decoding layout: %w", err)
			}
			s.Round, s.ClientID = protocol.Round(round), protocol.ClientID(id)
			st.Submissions = append(st.Submissions, &s)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("loading submissions: %w", err)
	}

	if err := b.query(ctx, `SELECT round, client_id, params, layout, report_id, computed_at FROM aggregates`,
		func(rows *sql.Rows) error {
			var a protocol.Aggregate
			var round int64
			var id string
			var layout []byte
			if err := rows.Scan(&round, &id, &a.Params, &layout, &a.ReportID, &a.ComputedAt); err != nil {
				return err
			}
			if err := json.Unmarshal(layout, &a.Layout); err != nil {
				return fmt.Errorf("decoding layout: %w", err)
			}
			a.Round, a.ClientID = protocol.Round(round), protocol.ClientID(id)
			st.Aggregates = append(st.Aggregates, &a)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("loading aggregates: %w", err)
	}

	if err := b.query(ctx, `SELECT record FROM results`,
		func(rows *sql.Rows) error {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			var r protocol.ResultRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				return fmt.Errorf("decoding result: %w", err)
			}
			st.Results = append(st.Results, &r)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("loading results: %w", err)
	}

	if err := b.query(ctx, `SELECT report FROM aggregation_reports`,
		func(rows *sql.Rows) error {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			var r protocol.AggregationReport
			if err := json.Unmarshal(raw, &r); err != nil {
				return fmt.Errorf("decoding report: %w", err)
			}
			st.Reports = append(st.Reports, &r)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("loading reports: %w", err)
	}

	return st, nil
}

func (b *PostgresBackend) query(ctx context.Context, q string, scan func(*sql.Rows) error) error {
	rows, err := b.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the database connection.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
