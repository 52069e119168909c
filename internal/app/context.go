package app

import (
	"context"

	"github.com/datallboy/songq/internal/domain"
	"github.com/datallboy/songq/internal/engine"
	"github.com/datallboy/songq/internal/infra/config"
	"github.com/datallboy/songq/internal/infra/logger"
)

// LibraryReader lets the API browse stored songs without importing the
// store package.
type LibraryReader interface {
	ListSongs(ctx context.Context) ([]*domain.Song, error)
	GetSong(ctx context.Context, id string) (*domain.Song, error)
}

// Context holds the core environment and shared services for songq.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	Queue     *engine.Manager
	Events    *engine.Broadcaster
	Snapshots *engine.Snapshotter
	Library   LibraryReader
}

// NewContext initializes the base environment. Services are attached by
// the command that builds them.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
	}
}
