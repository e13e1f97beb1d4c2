package cli

import (
	"log/slog"

	"github.com/roach88/obmen/internal/config"
	"github.com/roach88/obmen/internal/identity"
	"github.com/roach88/obmen/internal/record"
	"github.com/roach88/obmen/internal/store"
	"github.com/roach88/obmen/internal/track"
	"github.com/roach88/obmen/internal/transport"
)

// app wires the configured services together for one command run. The
// record store is the in-memory implementation fed by the models
// section of the config; an embedding deployment swaps it for its own
// record.Store and does not go through the CLI at all.
type app struct {
	cfg     *config.Config
	st      *store.Store
	records record.Store
	ident   *identity.Service
	log     *slog.Logger
}

func openApp(opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open exchange database", err)
	}

	log := slog.Default()
	tracker := track.New(st, log)
	return &app{
		cfg:     cfg,
		st:      st,
		records: tracker.Wrap(record.NewMemStore(cfg.Registry())),
		ident:   identity.New(st, log),
		log:     log,
	}, nil
}

func (a *app) close() {
	if err := a.st.Close(); err != nil {
		a.log.Error("closing exchange database", "error", err)
	}
}

func (a *app) exchange() (*transport.Exchange, error) {
	ex, err := transport.New(a.cfg.ExchangeDir, a.log)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open exchange directory", err)
	}
	return ex, nil
}
