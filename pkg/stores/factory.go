package stores

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// New opens the store selected by cfg.Type. Stores that keep data on disk
// are initialized and migrated before they are returned.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Type {
	case TypeInMemory, "":
		return NewMemoryStore(), nil

	case TypeFile:
		s, err := NewFileStore(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Watch(ctx); err != nil {
			logger.Warn().Err(err).Str("path", cfg.Path).Msg("Policy file will not be reloaded on change")
		}
		return s, nil

	case TypeSQLite:
		s, err := NewSQLiteStore(SQLiteConfig{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil

	case TypeBadger:
		return NewBadgerStore(BadgerConfig{Path: cfg.Path, SyncWrites: true}, logger)

	case TypeMongoDB:
		return NewMongoStore(ctx, cfg)

	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}
