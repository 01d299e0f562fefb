package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/bookshelf_cache/internal/book"
	"github.com/italolelis/bookshelf_cache/internal/index"
	"github.com/italolelis/bookshelf_cache/internal/telemetry"
)

// InstrumentedEntryRepository wraps EntryRepository with telemetry.
type InstrumentedEntryRepository struct {
	repo      *EntryRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedEntryRepository creates a new instrumented entry repository.
func NewInstrumentedEntryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedEntryRepository {
	return &InstrumentedEntryRepository{
		repo:      NewEntryRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedEntryRepository) Lookup(ctx context.Context, key book.Key) (*index.Entry, error) {
	var result *index.Entry

	err := r.telemetry.InstrumentDBOperation(ctx, "lookup", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = r.repo.Lookup(ctx, key)

		return innerErr
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedEntryRepository) Upsert(ctx context.Context, entry *index.Entry) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert", func(ctx context.Context) error {
		return r.repo.Upsert(ctx, entry)
	})
}

func (r *InstrumentedEntryRepository) Remove(ctx context.Context, key book.Key) error {
	return r.telemetry.InstrumentDBOperation(ctx, "remove", func(ctx context.Context) error {
		return r.repo.Remove(ctx, key)
	})
}

func (r *InstrumentedEntryRepository) ListAll(ctx context.Context) ([]index.Entry, error) {
	var result []index.Entry

	err := r.telemetry.InstrumentDBOperation(ctx, "list_all", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = r.repo.ListAll(ctx)

		return innerErr
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedEntryRepository) Touch(ctx context.Context, key book.Key, at time.Time) error {
	return r.telemetry.InstrumentDBOperation(ctx, "touch", func(ctx context.Context) error {
		return r.repo.Touch(ctx, key, at)
	})
}

func (r *InstrumentedEntryRepository) TotalSize(ctx context.Context) (int64, error) {
	var result int64

	err := r.telemetry.InstrumentDBOperation(ctx, "total_size", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = r.repo.TotalSize(ctx)

		return innerErr
	})
	if err != nil {
		return 0, err
	}

	return result, nil
}
