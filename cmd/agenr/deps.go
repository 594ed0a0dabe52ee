package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/agenr-dev/agenr/internal/config"
	"github.com/agenr-dev/agenr/internal/entrystore"
	"github.com/agenr-dev/agenr/internal/store/sqlite"
)

// Deps threads every cross-cutting dependency a command needs through an
// explicit record rather than module-level globals, so commands stay
// testable against fakes.
type Deps struct {
	ReadConfig    func() error
	GetDB         func(path string) (*sql.DB, error)
	InitDB        func(db *sql.DB) error
	CloseDB       func(db *sql.DB) error
	RetireEntries func(ctx context.Context, store *entrystore.Store, opts entrystore.RetireOptions) (int, error)
	Now           func() time.Time
}

// defaultDeps wires Deps to the real config/sqlite/entrystore packages.
func defaultDeps() Deps {
	return Deps{
		ReadConfig: config.Initialize,
		GetDB:      sqlite.GetDB,
		InitDB:     sqlite.InitDB,
		CloseDB:    sqlite.CloseDB,
		RetireEntries: func(ctx context.Context, store *entrystore.Store, opts entrystore.RetireOptions) (int, error) {
			return store.RetireEntries(ctx, opts)
		},
		Now: time.Now,
	}
}
