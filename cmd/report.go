// File: cmd/report.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/config"
	"github.com/xkilldash9x/arkenar/internal/observability"
	"github.com/xkilldash9x/arkenar/internal/reporting"
	"github.com/xkilldash9x/arkenar/internal/results"
)

// newReportCmd creates and configures the `report` command.
func newReportCmd(provider storeProvider) *cobra.Command {
	var (
		scanID     string
		outputPath string
		format     string
	)

	reportCmd := &cobra.Command{
		Use:   "report [results-file]",
		Short: "Summarize scan results as text, JSON or SARIF",
		Long: `Reads findings from an NDJSON results file (the scan output by default) or,
with --scan-id, from the database, and writes a report.`,
		Example: `  arkenar report
  arkenar report scan.json -f sarif -o scan.sarif
  arkenar report --scan-id 6f1c... -f json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			source := cfg.Output.Path
			if len(args) == 1 {
				source = args[0]
			}

			var findings []schemas.Finding
			if scanID != "" {
				findings, err = loadFindingsFromStore(ctx, provider, cfg, scanID, logger)
			} else {
				findings, err = loadFindingsFromFile(source, logger)
			}
			if err != nil {
				return err
			}

			return runReport(cmd, findings, format, outputPath, logger)
		},
	}

	reportCmd.Flags().StringVar(&scanID, "scan-id", "", "Read the findings of this scan from the database")
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Report file path (default stdout)")
	reportCmd.Flags().StringVarP(&format, "format", "f", reporting.FormatText, "Report format: text, json or sarif")
	return reportCmd
}

// runReport writes findings in format to outputPath, or to the command's
// output when no path is given.
func runReport(cmd *cobra.Command, findings []schemas.Finding, format, outputPath string, logger *zap.Logger) error {
	var (
		reporter reporting.Reporter
		err      error
	)
	if outputPath == "" || outputPath == "stdout" {
		reporter, err = reporting.NewWithWriter(format, reporting.NopCloser(cmd.OutOrStdout()), Version, logger)
	} else {
		reporter, err = reporting.New(format, outputPath, Version, logger)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}

	if err := reporter.Write(findings); err != nil {
		reporter.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := reporter.Close(); err != nil {
		return fmt.Errorf("failed to finalize report: %w", err)
	}
	if outputPath != "" && outputPath != "stdout" {
		logger.Info("Report generated successfully.", zap.String("path", outputPath), zap.String("format", format))
	}
	return nil
}

func loadFindingsFromFile(path string, logger *zap.Logger) ([]schemas.Finding, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	defer file.Close()

	findings, skipped, err := results.ReadFindings(file)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		logger.Warn("Skipped malformed result lines", zap.String("path", path), zap.Int("skipped", skipped))
	}
	return findings, nil
}

func loadFindingsFromStore(ctx context.Context, provider storeProvider, cfg *config.Config, scanID string, logger *zap.Logger) ([]schemas.Finding, error) {
	s, cleanup, err := provider.Create(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	defer cleanup()

	findings, err := s.FindingsByScan(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load findings for scan %s: %w", scanID, err)
	}
	return findings, nil
}

// newImportCmd loads an NDJSON results file into the database.
func newImportCmd(provider storeProvider) *cobra.Command {
	var scanID string

	importCmd := &cobra.Command{
		Use:   "import <results-file>",
		Short: "Load a results file into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			findings, err := loadFindingsFromFile(args[0], logger)
			if err != nil {
				return err
			}
			if scanID == "" {
				scanID = uuid.New().String()
			}

			s, cleanup, err := provider.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer cleanup()

			if err := s.PersistFindings(ctx, scanID, findings); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d finding(s) as scan %s\n", len(findings), scanID)
			return nil
		},
	}
	importCmd.Flags().StringVar(&scanID, "scan-id", "", "Scan ID to store the findings under (default: a new ID)")
	return importCmd
}
