package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// cliContext holds the shared state needed by subcommands.
type cliContext struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *Metrics
}

var (
	flagConfig string
	flagOutput string
)

// newRootCmd wires the CLI surface. Running the binary without a
// subcommand starts the client.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "txwatch",
		Short:         "Resilient live transaction feed client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := loadCLIContext()
			if err != nil {
				return err
			}
			return runClient(cmd.Context(), cc)
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config file (default ./config.yaml)")
	root.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "Output format: json|text")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Connect to the live feed and serve the dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := loadCLIContext()
			if err != nil {
				return err
			}
			return runClient(cmd.Context(), cc)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "feed",
		Short: "Run a feed server backed by the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := loadCLIContext()
			if err != nil {
				return err
			}
			return runFeed(cmd.Context(), cc)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "probe",
		Short: "Try the configured candidates once and report the first that answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := loadCLIContext()
			if err != nil {
				return err
			}
			return cmdProbe(cmd.Context(), cc)
		},
	})

	var snapshotCount int
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Fetch recent transactions through the fallback endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := loadCLIContext()
			if err != nil {
				return err
			}
			if snapshotCount > 0 {
				cc.cfg.Fallback.Count = snapshotCount
			}
			return cmdSnapshot(cmd.Context(), cc)
		},
	}
	snapshotCmd.Flags().IntVarP(&snapshotCount, "n", "n", 0, "Number of records to request (default fallback.count)")
	root.AddCommand(snapshotCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmdVersion()
		},
	})
	return root
}

func loadCLIContext() (*cliContext, error) {
	v, err := NewViper(flagConfig)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cliContext{
		cfg:     cfg,
		logger:  NewLogger(cfg.Log, os.Stderr),
		metrics: NewMetrics(),
	}, nil
}

func cmdVersion() {
	fmt.Printf("txwatch %s\n", version)
	fmt.Printf("  commit:  %s\n", commitSHA)
	fmt.Printf("  built:   %s\n", buildDate)
	fmt.Printf("  go:      %s\n", runtime.Version())
}

type probeReport struct {
	Connected bool          `json:"connected"`
	URL       string        `json:"url,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Attempts  []probeLine   `json:"attempts"`
}

type probeLine struct {
	URL     string `json:"url"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func cmdProbe(ctx context.Context, cc *cliContext) error {
	report := probeReport{}
	prober := NewProber(ProberConfig{
		Timeout:   cc.cfg.Feed.Timeout,
		Keepalive: cc.cfg.Feed.Keepalive,
	}, cc.logger, cc.metrics).WithHooks(nil, func(url string, outcome Outcome, err error) {
		line := probeLine{URL: url, Outcome: outcome.String()}
		if err != nil {
			line.Error = err.Error()
		}
		report.Attempts = append(report.Attempts, line)
	})

	start := time.Now()
	ch, err := prober.Probe(ctx, cc.cfg.Feed.Candidates)
	report.Elapsed = time.Since(start)
	if ch != nil {
		report.Connected = true
		report.URL = ch.URL()
		ch.Close()
	}

	if flagOutput == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}
	} else {
		for _, a := range report.Attempts {
			if a.Error != "" {
				fmt.Printf("%-8s %s (%s)\n", a.Outcome, a.URL, a.Error)
			} else {
				fmt.Printf("%-8s %s\n", a.Outcome, a.URL)
			}
		}
		if report.Connected {
			fmt.Printf("\nConnected to %s in %s\n", report.URL, report.Elapsed.Round(time.Millisecond))
		}
	}

	var exhausted *ExhaustionError
	if errors.As(err, &exhausted) {
		return fmt.Errorf("no candidate reachable: %w", err)
	}
	return err
}

func cmdSnapshot(ctx context.Context, cc *cliContext) error {
	f := NewFallbackRetriever(cc.cfg.Fallback.URL, cc.cfg.Fallback.Count, cc.cfg.Fallback.Timeout, cc.logger)
	records, err := f.Fetch(ctx)
	if err != nil {
		return err
	}
	if flagOutput == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	st := ComputeStats(records)
	for _, rec := range records {
		fmt.Printf("%s  %-10s  %12.4f ETH  %s\n",
			rec.ShortHash(16), rec.Classification, rec.ValueEth, rec.Timestamp.UTC().Format(time.RFC3339))
	}
	fmt.Printf("\n%d transactions, %d suspicious (%.1f%%), %d unique addresses\n",
		st.Total, st.Suspicious, st.SuspiciousPct, st.UniqueAddresses)
	return nil
}
