// Command transporter migrates scholarly journal content between two
// publishing platforms in three stages: index, fetch, push.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cdlib/journal-transporter/internal/pipeline"
	"github.com/cdlib/journal-transporter/pkg/config"
	"github.com/cdlib/journal-transporter/pkg/connector"
	"github.com/cdlib/journal-transporter/pkg/logger"
	"github.com/cdlib/journal-transporter/pkg/store"

	// Register the transport implementations
	_ "github.com/cdlib/journal-transporter/pkg/connector/httpapi"
	_ "github.com/cdlib/journal-transporter/pkg/connector/sshtunnel"
)

var version = "1.0.0"

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 3
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configPath, logLevel string

	root := &cobra.Command{
		Use:   "transporter",
		Short: "Journal Transporter - scholarly journal content migration",
		Long: `Journal Transporter migrates journals, issues, articles, review data,
and binary files between publishing platforms. A transfer runs in three
stages: index enumerates the source, fetch copies everything into a local
resource store, and push replays the content onto the target.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{Level: logLevel, Encoding: "console"})
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultRegistryPath(), "Path to the configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Journal Transporter v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(transferCommand(&configPath))
	root.AddCommand(serversCommand(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatal)
	}
}

func transferCommand(configPath *string) *cobra.Command {
	var (
		sourceName, targetName string
		mode                   string
		dataDir                string
		onError                string
		journals               []string
		workers, retries       int
		retryDelay             time.Duration
		keep, force            bool
		keepMax                int
	)

	defaults := config.DefaultTransferOptions()

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer journal content from a source server to a target server",
		Long: `Transfer journal content between two configured servers.

The stage flag selects how much of the pipeline runs: "all" performs a
complete transfer, "index" only enumerates the source, and "fetch" or
"push" resume the current run from a previous invocation's state.

Example:
  transporter transfer --source ojs-prod --target janeway-prod --journals jcom`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := config.TransferOptions{
				Workers:       workers,
				RetryAttempts: retries,
				RetryDelay:    retryDelay,
				OnError:       config.OnError(onError),
				Keep:          keep,
				KeepMax:       keepMax,
				Force:         force,
				Journals:      journals,
			}
			return runTransfer(cmd.Context(), *configPath, sourceName, targetName,
				pipeline.Mode(mode), dataDir, opts)
		},
	}

	cmd.Flags().StringVarP(&sourceName, "source", "s", "", "Configured source server name (required)")
	cmd.Flags().StringVarP(&targetName, "target", "t", "", "Configured target server name")
	_ = cmd.MarkFlagRequired("source")

	cmd.Flags().StringVar(&mode, "stage", string(pipeline.ModeAll), "Pipeline stage to run (all, index, fetch, push)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Resource store directory (default from the configuration file)")
	cmd.Flags().StringSliceVar(&journals, "journals", nil, "Restrict the transfer to these journal paths")
	cmd.Flags().IntVar(&workers, "workers", defaults.Workers, "Concurrent fetch workers")
	cmd.Flags().IntVar(&retries, "retries", defaults.RetryAttempts, "Retry attempts for transient network failures")
	cmd.Flags().DurationVar(&retryDelay, "retry-delay", defaults.RetryDelay, "Initial backoff before the first retry")
	cmd.Flags().StringVar(&onError, "on-error", string(defaults.OnError), "Per-resource failure policy (continue, abort)")
	cmd.Flags().BoolVar(&keep, "keep", false, "Retain the completed run under a timestamped name")
	cmd.Flags().IntVar(&keepMax, "keep-max", 0, "Prune retained runs beyond this count (0 = unlimited)")
	cmd.Flags().BoolVar(&force, "force", false, "Re-fetch and re-push resources the store already holds")

	return cmd
}

func runTransfer(ctx context.Context, configPath, sourceName, targetName string, mode pipeline.Mode, dataDir string, opts config.TransferOptions) error {
	reg, err := config.LoadRegistry(configPath)
	if err != nil {
		return err
	}
	if dataDir == "" {
		dataDir = reg.DataDirectory
	}
	if dataDir == "" {
		return fmt.Errorf("no data directory configured; pass --data-dir or set data_directory in %s", configPath)
	}
	if !opts.Keep {
		opts.Keep = reg.Keep
	}
	if opts.KeepMax == 0 {
		opts.KeepMax = reg.KeepMax
	}

	log := logger.Get()
	defer logger.Sync()

	sourceDef, err := reg.Server(sourceName)
	if err != nil {
		return err
	}
	source, err := connector.New(*sourceDef, log)
	if err != nil {
		return err
	}
	defer source.Close()

	var target connector.Connector
	if targetName != "" {
		targetDef, err := reg.Server(targetName)
		if err != nil {
			return err
		}
		if target, err = connector.New(*targetDef, log); err != nil {
			return err
		}
		defer target.Close()
	} else if mode == pipeline.ModeAll || mode == pipeline.ModePush {
		return fmt.Errorf("stage %q needs a target server; pass --target", mode)
	}

	st, err := store.New(dataDir, log)
	if err != nil {
		return err
	}
	session, err := pipeline.NewSession(source, target, st, opts, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := session.Run(ctx, mode)
	printSummary(os.Stdout, summary)
	if err != nil {
		log.Error("transfer failed", zap.Error(err))
		os.Exit(exitFatal)
	}
	if summary.Failed > 0 {
		os.Exit(exitPartial)
	}
	return nil
}

func printSummary(w io.Writer, summary pipeline.Summary) {
	fmt.Fprintf(w, "Transaction:  %s\n", summary.TransactionID)
	fmt.Fprintf(w, "Indexed:      %d\n", summary.Indexed)
	fmt.Fprintf(w, "Fetched:      %d (%d skipped, %d bytes)\n", summary.Fetched, summary.Skipped, summary.BytesFetched)
	fmt.Fprintf(w, "Pushed:       %d\n", summary.Pushed)
	fmt.Fprintf(w, "Failed:       %d\n", summary.Failed)
	fmt.Fprintf(w, "Duration:     %s\n", summary.Duration.Round(time.Millisecond))
	if summary.RetainedRun != "" {
		fmt.Fprintf(w, "Retained as:  %s\n", summary.RetainedRun)
	}
	var pushFailed bool
	for _, e := range summary.Errors {
		fmt.Fprintf(w, "  failed: %s %s (%s stage): %s\n", e.Type, e.Source, e.Stage, e.Message)
		if e.Stage == "push" {
			pushFailed = true
		}
	}
	if pushFailed {
		fmt.Fprintln(w, "Records created on the target before these failures were left in place; no target-side cleanup was performed.")
	}
}

func serversCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage configured servers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := config.LoadRegistry(*configPath)
			if err != nil {
				return err
			}
			if len(reg.Servers) == 0 {
				fmt.Println("No servers configured.")
				return nil
			}
			for _, s := range reg.Servers {
				fmt.Printf("  %-20s %s://%s\n", s.Name, s.Protocol, s.Addr())
			}
			return nil
		},
	})

	var def config.ServerDefinition
	var protocol string
	addCmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add or replace a server definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := config.LoadRegistry(*configPath)
			if err != nil {
				return err
			}
			def.Name = args[0]
			def.Protocol = config.Protocol(protocol)
			if err := reg.DefineServer(def); err != nil {
				return err
			}
			return reg.Save()
		},
	}
	addCmd.Flags().StringVar(&protocol, "protocol", string(config.ProtocolHTTP), "Transport protocol (http, ssh)")
	addCmd.Flags().StringVar(&def.Host, "host", "", "Server hostname (required)")
	addCmd.Flags().IntVar(&def.Port, "port", 0, "Server port (default 443 for http, 22 for ssh)")
	addCmd.Flags().StringVar(&def.BasePath, "base-path", "", "API base path for http servers")
	addCmd.Flags().StringVar(&def.Username, "username", "", "Username for basic or ssh auth")
	addCmd.Flags().StringVar(&def.Password, "password", "", "Password; ${VAR} references resolve from the environment")
	addCmd.Flags().StringVar(&def.Token, "token", "", "Bearer token for http servers")
	addCmd.Flags().StringVar(&def.KeyFile, "key-file", "", "Private key file for ssh servers")
	addCmd.Flags().StringVar(&def.Command, "command", "", "Remote plugin command for ssh servers")
	_ = addCmd.MarkFlagRequired("host")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a server definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := config.LoadRegistry(*configPath)
			if err != nil {
				return err
			}
			reg.RemoveServer(args[0])
			return reg.Save()
		},
	})

	return cmd
}
