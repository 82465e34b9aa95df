// File: cmd/scan.go
package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/internal/config"
	"github.com/xkilldash9x/arkenar/internal/observability"
)

// newScanCmd creates and configures the `scan` command.
func newScanCmd(provider storeProvider) *cobra.Command {
	var listFile string

	scanCmd := &cobra.Command{
		Use:   "scan [targets...]",
		Short: "Scan one or more targets",
		Long: `Crawls each target, runs the template scanner against it, then mutates every
injection point of every discovered URL and reports what the responses reveal.
Results are appended to the output file as NDJSON.`,
		Example: `  arkenar scan http://target.com
  arkenar scan http://target.com -m advanced -v -t 10
  arkenar scan http://target.com --proxy http://127.0.0.1:8080 -H "Cookie: sess=abc"
  arkenar scan -l targets.txt --scope --rate-limit 30 -o scan.json
  arkenar scan http://target.com --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			seeds, err := collectTargets(args, listFile)
			if err != nil {
				return err
			}
			if listFile != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "[+] Loaded %d target(s) from %s\n", len(seeds)-len(args), listFile)
			}
			if len(seeds) == 0 {
				_ = cmd.Usage()
				return errors.New("no targets specified, provide a URL or use -l <file>")
			}

			p, err := newPipeline(cfg, cmd.OutOrStdout(), provider, logger)
			if err != nil {
				return err
			}

			scanID := uuid.New().String()
			logger.Info("Starting new scan",
				zap.String("scan_id", scanID),
				zap.Strings("targets", seeds),
				zap.String("mode", string(cfg.Engine.Mode)),
				zap.Int("threads", cfg.Engine.Threads))

			_, err = p.runScan(ctx, scanID, seeds, nil)
			return err
		},
	}

	f := scanCmd.Flags()
	f.StringVarP(&listFile, "list", "l", "", "File containing target URLs (one per line)")
	addEngineFlags(f)
	f.String("scope", "", "Limit discovered URLs to the seed's host or registrable domain (host|domain)")
	f.Lookup("scope").NoOptDefVal = config.ScopeHost
	f.Bool("crawl", true, "Run the crawler before scanning")
	f.Int("crawler-depth", 0, "Crawl depth")
	f.Duration("crawler-timeout", 0, "Crawl duration limit (simple mode)")
	f.Int("crawler-max-urls", 0, "Max URLs to take from the crawler (simple mode)")
	f.Bool("templates", true, "Run the template scanner against each seed")
	f.StringSlice("tags", nil, "Template scanner tags, e.g. cve,jira,panel (replaces the mode's default filters)")
	f.Bool("passive", false, "Harvest robots.txt and sitemap.xml for more targets")
	f.Bool("checkpoint", true, "Checkpoint progress so an interrupted scan can be resumed")
	return scanCmd
}

// addEngineFlags declares the flags shared by every command that runs the
// engine.
func addEngineFlags(f *pflag.FlagSet) {
	f.IntP("threads", "t", 0, "Number of concurrent threads")
	f.Duration("timeout", 0, "Request timeout (e.g. 5s)")
	f.StringP("mode", "m", "", "Scan mode: simple (fast) or advanced (comprehensive)")
	f.Float64("rate-limit", 0, "Max requests per second")
	f.Bool("dry-run", false, "Log the planned requests without sending any")
	f.BoolP("verbose", "v", false, "Show the whole process")
	f.String("proxy", "", "Upstream proxy URL (e.g. http://127.0.0.1:8080)")
	f.StringArrayP("header", "H", nil, "Custom header (e.g. \"Authorization: Bearer TOKEN\")")
	f.StringP("payloads", "p", "", "Add payloads for every injection point from a file")
	f.String("payloads-xss", "", "Add XSS payloads from a file")
	f.String("payloads-sqli", "", "Add SQL injection payloads from a file")
	f.String("payloads-json", "", "Add JSON-breaking payloads from a file")
	f.StringP("output", "o", "", "Output file path for results")
	f.String("state-file", "", "Checkpoint file path")
}

// collectTargets merges the targets read from listFile with args. An
// unreadable list is fatal.
func collectTargets(args []string, listFile string) ([]string, error) {
	var seeds []string
	if listFile != "" {
		lines, err := readLines(listFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read '%s': %w", listFile, err)
		}
		seeds = append(seeds, lines...)
	}
	return append(seeds, args...), nil
}

// readLines returns the trimmed, non-empty lines of path, skipping lines
// starting with '#'.
func readLines(path string) ([]string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(expanded)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

