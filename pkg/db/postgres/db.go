package postgres

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

func NewDBConn(opts *PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", GetConnString(opts))
	if err != nil {
		return nil, fmt.Errorf("connect %s:%s/%s: %w", opts.Host, opts.Port, opts.DBName, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}
	return db, nil
}
