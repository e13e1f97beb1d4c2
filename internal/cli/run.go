package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/roach88/obmen/internal/export"
	"github.com/roach88/obmen/internal/ingest"
	"github.com/roach88/obmen/internal/transport"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the exchange loop",
		Long: `Run the exchange loop until interrupted.

Each pass imports every pending file from the from_1c directory and
then exports marked records of every loaded rule set into the to_1c
directory. Passes run on the configured interval and immediately when
a new file lands in the inbox.

Example:
  obmen run --config ./obmen.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(rootOpts, cmd)
		},
	}
}

func runLoop(rootOpts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(rootOpts)
	if err != nil {
		return err
	}
	defer a.close()

	ex, err := a.exchange()
	if err != nil {
		return err
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return WrapExitError(ExitCommandError, "watch exchange inbox", err)
	}
	defer watcher.Close()
	if err := watcher.Add(ex.InboxDir()); err != nil {
		return WrapExitError(ExitCommandError, "watch exchange inbox", err)
	}

	interval := time.Duration(a.cfg.Interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.log.Info("exchange loop started",
		"exchange_dir", ex.Root(), "interval", interval)
	fmt.Fprintln(cmd.OutOrStdout(), "Exchange loop started. Press Ctrl-C to stop.")

	d := &daemon{app: a, ex: ex}
	d.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("exchange loop stopped")
			return nil
		case <-ticker.C:
			d.pass(ctx)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) && strings.EqualFold(filepath.Ext(ev.Name), ".xml") {
				a.log.Debug("inbox file arrived", "path", ev.Name)
				d.pass(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Error("inbox watch error", "error", err)
		}
	}
}

// daemon runs import and export passes. Errors inside a pass are
// logged, never fatal; the next pass retries whatever is still
// pending.
type daemon struct {
	app *app
	ex  *transport.Exchange
}

func (d *daemon) pass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.importPending(ctx)
	d.exportAll(ctx)
}

func (d *daemon) importPending(ctx context.Context) {
	a := d.app
	files, err := d.ex.Pending()
	if err != nil {
		a.log.Error("scanning exchange inbox failed", "error", err)
		return
	}
	if len(files) == 0 {
		return
	}

	im := ingest.New(a.records, a.ident, a.log,
		ingest.WithForce(a.cfg.Force),
		ingest.WithBatchSize(a.cfg.BatchSize))
	for _, path := range files {
		if ctx.Err() != nil {
			return
		}
		stats, err := im.LoadFile(ctx, path)
		if err != nil {
			a.log.Error("import failed, file left pending", "path", path, "error", err)
			continue
		}
		a.log.Info("file imported", "path", path,
			"objects", stats.Objects, "created", stats.Created,
			"updated", stats.Updated, "skipped", stats.Skipped)
		if err := d.ex.MarkUploaded(path); err != nil {
			a.log.Error("file imported but not moved", "path", path, "error", err)
		}
	}
}

func (d *daemon) exportAll(ctx context.Context) {
	a := d.app
	infos, err := a.st.ListRuleSets(ctx)
	if err != nil {
		a.log.Error("listing rule sets failed", "error", err)
		return
	}

	eng := export.New(a.records, a.st, a.ident, a.log)
	for _, info := range infos {
		if ctx.Err() != nil {
			return
		}
		res, err := eng.ExportDirty(ctx, info.ID, export.Background)
		if err != nil {
			a.log.Error("export failed", "rule_set", info.UUID, "error", err)
			continue
		}
		if res.Data == nil {
			continue
		}
		path, err := d.ex.WriteExport(res.Data, time.Now())
		if err != nil {
			a.log.Error("export file write failed", "rule_set", info.UUID, "error", err)
			continue
		}
		if err := a.st.ConsumeMarkers(ctx, res.Consumed); err != nil {
			a.log.Error("clearing change markers failed", "rule_set", info.UUID, "error", err)
			continue
		}
		a.log.Info("rule set exported", "rule_set", info.UUID,
			"objects", res.Objects, "path", path)
	}
}
