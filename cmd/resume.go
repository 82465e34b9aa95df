// File: cmd/resume.go
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/observability"
	"github.com/xkilldash9x/arkenar/internal/reporting"
	"github.com/xkilldash9x/arkenar/internal/state"
)

// newResumeCmd continues an interrupted scan from its checkpoint.
func newResumeCmd(provider storeProvider) *cobra.Command {
	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a previously interrupted scan",
		Long: `Loads the checkpoint written by an interrupted scan, rebuilds the scan from the
configuration it recorded and scans the targets still pending. Findings from
the earlier run are kept in the summary and not appended again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			st, err := state.Load(cfg.Output.StateFile)
			if errors.Is(err, state.ErrNoCheckpoint) {
				reporting.NewConsoleSink(cmd.OutOrStdout()).OnLog(schemas.LogError, "No state file found. Nothing to resume.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}

			// The snapshot omits connection details; take them from this run.
			snapshot := st.Config
			snapshot.Database = cfg.Database
			snapshot.Proxy = cfg.Proxy
			snapshot.Logger = cfg.Logger
			snapshot.Output.StateFile = st.Path()

			p, err := newPipeline(&snapshot, cmd.OutOrStdout(), provider, logger)
			if err != nil {
				return err
			}
			pending := st.Pending()
			p.sink.OnLog(schemas.LogSuccess, fmt.Sprintf("Resuming scan with %d pending URL(s), %d prior result(s)",
				len(pending), len(st.Results())))
			logger.Info("Resuming scan", zap.String("scan_id", st.ScanID), zap.Int("pending", len(pending)))

			if _, err := p.runScan(ctx, st.ScanID, pending, st); err != nil {
				return err
			}
			p.sink.OnLog(schemas.LogSuccess, "Resumed scan complete.")
			return nil
		},
	}
	resumeCmd.Flags().String("state-file", "", "Checkpoint file path")
	return resumeCmd
}
