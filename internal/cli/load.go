package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/obmen/internal/ingest"
	"github.com/roach88/obmen/internal/transport"
)

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load [files...]",
		Short: "Import exchange files into the record store",
		Long: `Import exchange files into the record store.

With file arguments, exactly those files are imported. Without
arguments the from_1c directory of the exchange root is scanned and
every pending .xml file is imported; files that import fully are moved
to from_1c/uploaded so the next scan skips them.

Example:
  obmen load
  obmen load ./data_from_1c.xml --verbose`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			im := ingest.New(a.records, a.ident, a.log,
				ingest.WithForce(a.cfg.Force),
				ingest.WithBatchSize(a.cfg.BatchSize))

			files := args
			var ex *transport.Exchange
			if len(files) == 0 {
				if ex, err = a.exchange(); err != nil {
					return err
				}
				if files, err = ex.Pending(); err != nil {
					return WrapExitError(ExitFailure, "scan exchange inbox", err)
				}
			}

			var total ingest.Stats
			for _, path := range files {
				stats, err := im.LoadFile(cmd.Context(), path)
				if err != nil {
					if ex == nil || !a.cfg.Force {
						return WrapExitError(ExitFailure, fmt.Sprintf("import %s", path), err)
					}
					a.log.Error("import failed, file left pending", "path", path, "error", err)
					continue
				}
				total.Objects += stats.Objects
				total.Created += stats.Created
				total.Updated += stats.Updated
				total.Skipped += stats.Skipped
				if ex != nil {
					if err := ex.MarkUploaded(path); err != nil {
						a.log.Error("file imported but not moved", "path", path, "error", err)
					}
				}
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if rootOpts.Format == "json" {
				return f.Success(map[string]any{
					"files":   len(files),
					"objects": total.Objects,
					"created": total.Created,
					"updated": total.Updated,
					"skipped": total.Skipped,
				})
			}
			return f.Success(fmt.Sprintf("%d files: %d objects (%d created, %d updated, %d skipped)",
				len(files), total.Objects, total.Created, total.Updated, total.Skipped))
		},
	}
}
