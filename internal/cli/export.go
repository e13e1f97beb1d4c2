package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/obmen/internal/export"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	RuleSet string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export marked records to an exchange file",
		Long: `Export every marked record of a rule set into an exchange file
inside the to_1c directory.

Change markers are cleared only after the file is written, so a failed
run leaves everything pending for the next one.

Example:
  obmen export --ruleset 5bd397f0-8a6c-4c39-9f0e-28d2aa22d8b2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RuleSet, "ruleset", "", "conversion uuid of the rule set to export (required)")
	_ = cmd.MarkFlagRequired("ruleset")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	rs, err := a.st.LoadRuleSet(ctx, opts.RuleSet)
	if err != nil {
		return WrapExitError(ExitCommandError, "load rule set", err)
	}

	eng := export.New(a.records, a.st, a.ident, a.log)
	res, err := eng.ExportDirty(ctx, rs.ID, export.Interactive)
	if err != nil {
		if errors.Is(err, export.ErrNothingToExport) {
			return WrapExitError(ExitFailure, "export", err)
		}
		return WrapExitError(ExitFailure, "export failed", err)
	}

	ex, err := a.exchange()
	if err != nil {
		return err
	}
	path, err := ex.WriteExport(res.Data, time.Now())
	if err != nil {
		return WrapExitError(ExitFailure, "write export file", err)
	}
	if err := a.st.ConsumeMarkers(ctx, res.Consumed); err != nil {
		return WrapExitError(ExitFailure, "clear change markers", err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return f.Success(map[string]any{"file": path, "objects": res.Objects})
	}
	return f.Success(fmt.Sprintf("exported %d objects to %s", res.Objects, path))
}
