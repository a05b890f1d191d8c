package storedb

import "errors"

var (
	ErrDBPathRequired     = errors.New("database path is required")
	ErrOpenDB             = errors.New("open database")
	ErrConfigureDB        = errors.New("configure database")
	ErrDuplicateMigration = errors.New("duplicate migration version")
	ErrApplyMigration     = errors.New("apply migration")
)
