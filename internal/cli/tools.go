package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jamesruggles/spectra/internal/config"
	"github.com/jamesruggles/spectra/internal/tools"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Report which analyzer binaries are installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		statuses := tools.DetectAll(cfg.Scanner.Binaries())
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TOOL\tBINARY\tVERSION\tSTATUS")
		missing := 0
		for _, s := range statuses {
			state := success("ok")
			if !s.Installed {
				state = errorColor("missing")
				missing++
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Binary, s.Version, state)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if missing > 0 {
			return fmt.Errorf("%d of %d tools missing", missing, len(statuses))
		}
		return nil
	},
}
