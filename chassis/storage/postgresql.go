package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"
)

const uniqueViolation = "23505"

// PGJournal - Journal backed by the t_processed table.
type PGJournal struct {
	pool *pgxpool.Pool
}

// InitPGJournal - ...
func InitPGJournal(ctx context.Context, cfg Config) (*PGJournal, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	return &PGJournal{
		pool: pool,
	}, nil
}

// Migrate creates the journal table.
func (repo *PGJournal) Migrate(ctx context.Context) error {
	query := `
	create table if not exists t_processed (
		message_id   text primary key,
		method       text not null,
		params       jsonb not null default '{}',
		result       jsonb not null default '{}',
		processed_dt timestamp not null default localtimestamp
	);
	`
	_, err := repo.pool.Exec(ctx, query)
	return err
}

// Record - ...
func (repo *PGJournal) Record(ctx context.Context, entry *Entry) error {
	query := `insert into t_processed(message_id, method, params, result, processed_dt) values ($1, $2, $3, $4, $5)`
	_, err := repo.pool.Exec(ctx, query, entry.MessageID, entry.Method, entry.Params, entry.Result, entry.ProcessedDt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// CleanOld deletes entries older than expiration seconds.
func (repo *PGJournal) CleanOld(ctx context.Context, expiration int) (int, error) {
	query := `
	delete from t_processed
	where processed_dt < localtimestamp - concat($1::int, ' seconds')::INTERVAL;
	`
	cmdTag, err := repo.pool.Exec(ctx, query, expiration)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

// Close ...
func (repo *PGJournal) Close() {
	repo.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
