// Package sqlstore keeps reactions and comments in SQLite
// and publishes a change event after every committed write.
package sqlstore

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/campuslink/engagement"
)

// Notifier receives committed changes, see realtime.Notifier.
type Notifier interface {
	Notify(ctx context.Context, ev engagement.ChangeEvent) error
}

type Config struct {
	// DSN of the SQLite database, for example "file:engagement.db?_pragma=busy_timeout(1000)".
	DSN string

	// AllowedKinds limits the reaction kinds. Empty means engagement.DefaultReactionKinds.
	AllowedKinds []engagement.ReactionKind

	// Notifier is optional. Without it, writes are not announced.
	Notifier Notifier

	// InitializeSchema runs Migrate when the store is opened.
	InitializeSchema bool
}

func (c *Config) setDefaults() {
	if c.DSN == "" {
		c.DSN = ":memory:"
	}
	if len(c.AllowedKinds) == 0 {
		c.AllowedKinds = engagement.DefaultReactionKinds
	}
}

type Store struct {
	db     *sqlx.DB
	config Config
	logger watermill.LoggerAdapter
}

// Open opens the database described by config.DSN.
func Open(ctx context.Context, config Config, logger watermill.LoggerAdapter) (*Store, error) {
	config.setDefaults()

	db, err := sqlx.Open("sqlite", config.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open database")
	}
	// modernc.org/sqlite does not support concurrent writers;
	// a single connection also keeps one ":memory:" database for the whole store
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "cannot connect to database")
	}

	s, err := New(db, config, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if config.InitializeSchema {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return s, nil
}

// New wraps an already opened database.
func New(db *sqlx.DB, config Config, logger watermill.LoggerAdapter) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	config.setDefaults()

	return &Store{
		db:     db,
		config: config,
		logger: logger,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "cannot reach database")
}

// notify announces a committed change. The write already happened,
// so a failed notification is only logged.
func (s *Store) notify(ctx context.Context, ev engagement.ChangeEvent) {
	if s.config.Notifier == nil {
		return
	}

	if err := s.config.Notifier.Notify(ctx, ev); err != nil {
		s.logger.Error("Cannot notify about change", err, watermill.LogFields{
			"table":   ev.Table,
			"item_id": ev.ItemID,
			"type":    ev.Type,
		})
	}
}

// withTx runs fn in a transaction, committed when fn returns no error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "cannot begin transaction")
	}

	defer func() {
		if err == nil {
			err = errors.Wrap(tx.Commit(), "cannot commit transaction")
		} else {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				s.logger.Error("Rollback failed", rollbackErr, nil)
			}
		}
	}()

	return fn(tx)
}
