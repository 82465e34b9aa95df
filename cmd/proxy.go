// File: cmd/proxy.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/config"
	"github.com/xkilldash9x/arkenar/internal/discovery"
	"github.com/xkilldash9x/arkenar/internal/feed"
	"github.com/xkilldash9x/arkenar/internal/network"
	"github.com/xkilldash9x/arkenar/internal/observability"
	"github.com/xkilldash9x/arkenar/internal/results"
	"github.com/xkilldash9x/arkenar/internal/security"
	"github.com/xkilldash9x/arkenar/internal/targets"
)

// newProxyCmd runs the capture proxy and scans what passes through it.
func newProxyCmd(provider storeProvider) *cobra.Command {
	var (
		target     string
		workers    int
		queue      int
		generateCA bool
	)

	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run an intercepting proxy and scan captured requests",
		Long: `Starts a forwarding proxy. Point a browser or another tool at it: traffic is
passed through unchanged and every distinct in-scope request is scanned in the
background. HTTPS is only captured when a CA certificate and key are given.`,
		Example: `  arkenar proxy --listen 127.0.0.1:8080 --target http://target.com --scope
  arkenar proxy --ca-cert ca.pem --ca-key ca.key --generate-ca`,
		Args: cobra.NoArgs,
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
			q, err := feed.NewCaptureQueue(eng, queue, workers, logger)
			if err != nil {
				return err
			}

			if generateCA {
				if err := generateCAFiles(cfg.Proxy, p.sink); err != nil {
					return err
				}
			}
			caCert, caKey, err := readCA(cfg.Proxy)
			if err != nil {
				return err
			}
			cc, err := network.ClientConfigFromNetwork(cfg.Network, cfg.Engine.Timeout, logger)
			if err != nil {
				return fmt.Errorf("failed to configure HTTP client: %w", err)
			}
			cp, err := network.NewCaptureProxy(caCert, caKey, cc, logger)
			if err != nil {
				return err
			}
			if scope != nil {
				cp.SetScope(scope.IsInScope)
			}
			cp.OnCapture(q.Enqueue)

			scanID := uuid.New().String()
			agg, closeStore, err := p.newAggregator(ctx, scanID)
			defer closeStore()
			if err != nil {
				return err
			}

			p.sink.OnLog(schemas.LogSuccess, fmt.Sprintf("Capture proxy listening on %s", cfg.Proxy.Listen))
			collected, err := runFeed(ctx, agg, cfg.Output.Path, func(ctx context.Context, sink chan<- schemas.Finding) error {
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return cp.Start(gctx, cfg.Proxy.Listen) })
				g.Go(func() error {
					q.Run(gctx, sink)
					return nil
				})
				return g.Wait()
			})
			logger.Info("Capture proxy finished",
				zap.Int64("scanned", q.Scanned()),
				zap.Int64("dropped", q.Dropped()))
			results.Summarize(collected).Report(p.sink)
			return err
		},
	}

	f := proxyCmd.Flags()
	addEngineFlags(f)
	f.String("listen", "", "Address the proxy listens on")
	f.String("ca-cert", "", "PEM CA certificate used to intercept HTTPS")
	f.String("ca-key", "", "PEM CA private key")
	f.BoolVar(&generateCA, "generate-ca", false, "Create the CA certificate and key at --ca-cert/--ca-key if they do not exist")
	f.String("scope", "", "Only capture requests in the target's host or domain (host|domain)")
	f.Lookup("scope").NoOptDefVal = config.ScopeHost
	f.StringVar(&target, "target", "", "Seed URL the scope is built from")
	f.IntVar(&workers, "workers", 4, "Captured requests scanned at once")
	f.IntVar(&queue, "queue", feed.DefaultCaptureQueueSize, "Captured requests waiting to be scanned before new ones are dropped")
	return proxyCmd
}

// runFeed runs produce, which writes findings to a channel until ctx ends,
// against the aggregator. The channel is closed once produce returns. The
// producer is stopped if the results file cannot be opened.
func runFeed(ctx context.Context, agg *results.Aggregator, outputPath string, produce func(context.Context, chan<- schemas.Finding) error) ([]schemas.Finding, error) {
	findings := make(chan schemas.Finding, findingBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(findings)
		return produce(gctx, findings)
	})
	var collected []schemas.Finding
	g.Go(func() error {
		var err error
		collected, err = agg.Run(gctx, findings, outputPath)
		return err
	})
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return collected, err
}

// scopeFor builds the scope from the configured mode and seed. No scope is
// applied when the mode is off.
func scopeFor(cfg *config.Config, seed string) (*discovery.ScopeManager, error) {
	if cfg.Discovery.Scope == config.ScopeOff {
		return nil, nil
	}
	if seed == "" {
		return nil, fmt.Errorf("--scope %s needs a --target to build the scope from", cfg.Discovery.Scope)
	}
	return discovery.NewScopeManager(cfg.Discovery.Scope, seed)
}

// generateCAFiles writes a fresh interception CA unless one is already at the
// configured paths.
func generateCAFiles(pc config.ProxyConfig, sink schemas.EventSink) error {
	if pc.CACert == "" || pc.CAKey == "" {
		return fmt.Errorf("--generate-ca needs --ca-cert and --ca-key paths to write to")
	}
	certPath, err := homedir.Expand(pc.CACert)
	if err != nil {
		return err
	}
	keyPath, err := homedir.Expand(pc.CAKey)
	if err != nil {
		return err
	}
	created, err := security.EnsureCAFiles(certPath, keyPath, "ARKENAR Interception CA")
	if err != nil {
		return fmt.Errorf("failed to generate CA: %w", err)
	}
	if created {
		sink.OnLog(schemas.LogWarn, fmt.Sprintf("Generated a new CA at %s. Trust it in the client to capture HTTPS.", certPath))
	}
	return nil
}

func readCA(pc config.ProxyConfig) (cert, key []byte, err error) {
	if pc.CACert == "" && pc.CAKey == "" {
		return nil, nil, nil
	}
	if pc.CACert == "" || pc.CAKey == "" {
		return nil, nil, fmt.Errorf("both a CA certificate and key are required for interception")
	}
	read := func(path string) ([]byte, error) {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}
		return os.ReadFile(expanded)
	}
	if cert, err = read(pc.CACert); err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	if key, err = read(pc.CAKey); err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	return cert, key, nil
}
