package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jamesruggles/spectra/internal/report"
)

var reportFormat string

var reportCmd = &cobra.Command{
	Use:   "report <scan-id>",
	Short: "Export the summary of a finished scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scanID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid scan id %q", args[0])
		}

		cfg, db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		gen := report.NewGenerator(db, cfg.Reports.Directory, cfg.Reports.FontPath)
		var path string
		switch reportFormat {
		case "markdown", "md":
			path, err = gen.SaveMarkdown(scanID)
		case "pdf":
			path, err = gen.SavePDF(scanID)
		default:
			return fmt.Errorf("--format must be markdown or pdf")
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFormat, "format", "markdown", "markdown or pdf")
}
