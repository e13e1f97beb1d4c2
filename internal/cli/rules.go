package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/obmen/internal/rules"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage conversion rule sets",
	}
	cmd.AddCommand(newRulesLoadCommand(rootOpts))
	cmd.AddCommand(newRulesListCommand(rootOpts))
	cmd.AddCommand(newRulesDumpCommand(rootOpts))
	return cmd
}

type ruleSetSummary struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Source      string `json:"source"`
	Target      string `json:"target"`
	Rules       int    `json:"rules"`
	ExportRules int    `json:"export_rules"`
}

func (s ruleSetSummary) String() string {
	return fmt.Sprintf("rule set %s (%s): %s -> %s, %d rules, %d export rules",
		s.UUID, s.Name, s.Source, s.Target, s.Rules, s.ExportRules)
}

func newRulesLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <rules-file>",
		Short: "Load a conversion rules file into the exchange database",
		Long: `Load a conversion rules file into the exchange database.

The file is the ПравилаОбмена XML produced by the 1C conversion
configurator, either plain or inside a zip container. Loading the same
conversion id again replaces the stored rule set.

Example:
  obmen rules load ./rules/Обмен.xml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			rs, err := rules.LoadFile(args[0], a.log)
			if err != nil {
				return WrapExitError(ExitCommandError, "load rules file", err)
			}
			if err := a.st.SaveRuleSet(cmd.Context(), rs); err != nil {
				return WrapExitError(ExitFailure, "save rule set", err)
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Success(ruleSetSummary{
				UUID:        rs.UUID,
				Name:        rs.Name,
				Source:      rs.SourceName,
				Target:      rs.TargetName,
				Rules:       len(rs.Rules),
				ExportRules: len(rs.ExportRules),
			})
		},
	}
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded rule sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			infos, err := a.st.ListRuleSets(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "list rule sets", err)
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if rootOpts.Format == "json" {
				return f.Success(infos)
			}
			if len(infos) == 0 {
				return f.Success("no rule sets loaded")
			}
			var b strings.Builder
			for i, info := range infos {
				if i > 0 {
					b.WriteByte('\n')
				}
				fmt.Fprintf(&b, "%d\t%s\t%s\t%s", info.ID, info.UUID, info.Name, info.LoadedAt)
			}
			return f.Success(b.String())
		},
	}
}

type ruleDump struct {
	Code     string `json:"code"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	Lines    int    `json:"lines"`
	Disabled bool   `json:"disabled,omitempty"`
}

func newRulesDumpCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <conversion-uuid>",
		Short: "Show the conversion rules of a loaded rule set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			rs, err := a.st.LoadRuleSet(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "load rule set", err)
			}

			dump := make([]ruleDump, 0, len(rs.Rules))
			for _, r := range rs.Rules {
				dump = append(dump, ruleDump{
					Code:     r.Code,
					Source:   r.SourceType,
					Target:   r.TargetType,
					Lines:    len(r.Lines),
					Disabled: r.Disabled,
				})
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if rootOpts.Format == "json" {
				return f.Success(dump)
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%s (%s): %s -> %s", rs.UUID, rs.Name, rs.SourceName, rs.TargetName)
			for _, d := range dump {
				fmt.Fprintf(&b, "\n%s\t%s -> %s\t%d lines", d.Code, d.Source, d.Target, d.Lines)
				if d.Disabled {
					b.WriteString("\t(disabled)")
				}
			}
			return f.Success(b.String())
		},
	}
}
