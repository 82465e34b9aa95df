// File: cmd/watch.go
package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/config"
	"github.com/xkilldash9x/arkenar/internal/feed"
	"github.com/xkilldash9x/arkenar/internal/observability"
	"github.com/xkilldash9x/arkenar/internal/results"
	"github.com/xkilldash9x/arkenar/internal/targets"
)

// newWatchCmd follows a file of URLs and scans each new one.
func newWatchCmd(provider storeProvider) *cobra.Command {
	var (
		target    string
		fromStart bool
		poll      bool
	)

	watchCmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Follow a file of URLs and scan each new line",
		Long: `Tails a file holding one URL per line, or crawler JSONL output, and scans every
new in-scope URL as it is appended. Runs until interrupted.`,
		Example: `  katana -u http://target.com -jsonl -o crawl.jsonl &
  arkenar watch crawl.jsonl --from-start --target http://target.com --scope`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			scope, err := scopeFor(cfg, target)
			if err != nil {
				return err
			}

			p, err := newPipeline(cfg, cmd.OutOrStdout(), provider, logger)
			if err != nil {
				return err
			}
			eng, err := p.newEngine(targets.NewManager())
			if err != nil {
				return err
			}
			follower, err := feed.NewFollower(eng, scope, feed.FollowerConfig{FromStart: fromStart, Poll: poll}, logger)
			if err != nil {
				return err
			}

			scanID := uuid.New().String()
			agg, closeStore, err := p.newAggregator(ctx, scanID)
			defer closeStore()
			if err != nil {
				return err
			}

			p.sink.OnLog(schemas.LogSuccess, fmt.Sprintf("Watching %s for new URLs", args[0]))
			collected, err := runFeed(ctx, agg, cfg.Output.Path, func(ctx context.Context, sink chan<- schemas.Finding) error {
				return follower.Follow(ctx, args[0], sink)
			})
			stats := eng.Stats()
			logger.Info("Watch finished", zap.Int64("requests", stats.Requests), zap.Int64("findings", stats.Findings))
			results.Summarize(collected).Report(p.sink)
			return err
		},
	}

	f := watchCmd.Flags()
	addEngineFlags(f)
	f.String("scope", "", "Only scan URLs in the target's host or domain (host|domain)")
	f.Lookup("scope").NoOptDefVal = config.ScopeHost
	f.StringVar(&target, "target", "", "Seed URL the scope is built from")
	f.BoolVar(&fromStart, "from-start", false, "Scan the lines already in the file before following it")
	f.BoolVar(&poll, "poll", false, "Poll the file instead of using filesystem notifications")
	return watchCmd
}
