package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/padak/keboola-amplitude/internal/pipeline"
	"github.com/padak/keboola-amplitude/pkg/amplitude"
	"github.com/padak/keboola-amplitude/pkg/config"
	jsonx "github.com/padak/keboola-amplitude/pkg/json"
	"github.com/padak/keboola-amplitude/pkg/logger"
)

var version = "1.0.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configFile string
	var logLevel string
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "keboola-amplitude",
		Short: "Keboola connector for Amplitude Analytics",
		Long: `keboola-amplitude moves event data between Keboola and Amplitude.
It exports raw events into Keboola Storage tables and pushes events and
user property updates back through the Amplitude HTTP APIs.`,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file (environment variables used when omitted)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Overall run timeout")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keboola-amplitude v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	// export: range extraction into a Keboola table
	var start, end, outputTable, dataDir string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export raw events into a CSV table",
		Long: `Export downloads the raw event archive for a time range and writes it
as a CSV table under the data directory. Both range bounds use the
YYYYMMDDTHH format, e.g. 20220201T05. When --start is omitted the range
continues from the state file of the previous run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime("export", configFile, logLevel, timeout, func(ctx context.Context, client *amplitude.Client, cfg *config.Config) error {
				if start == "" {
					state, err := pipeline.LoadState(dataDir)
					if err != nil {
						return err
					}
					start = state.LastExportedEnd
				}

				runner := pipeline.NewRunner(client, cfg, logger.WithContext(ctx))
				result, err := runner.Run(ctx, pipeline.Params{
					Start:       start,
					End:         end,
					OutputTable: outputTable,
					DataDir:     dataDir,
				})
				if err != nil {
					return err
				}

				fmt.Printf("Exported %d events to %s\n", result.EventCount, result.TablePath)
				return nil
			})
		},
	}
	exportCmd.Flags().StringVar(&start, "start", "", "Range start (YYYYMMDDTHH); defaults to last exported end from state")
	exportCmd.Flags().StringVar(&end, "end", "", "Range end (YYYYMMDDTHH) (required)")
	exportCmd.Flags().StringVar(&outputTable, "output-table", "out.c-amplitude.events", "Destination table name")
	exportCmd.Flags().StringVar(&dataDir, "data-dir", "/data", "Component data directory")
	_ = exportCmd.MarkFlagRequired("end")
	root.AddCommand(exportCmd)

	// ingest: push events from an NDJSON file
	var eventsFile string
	var useBatch bool
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Upload events from a newline-delimited JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime("ingest", configFile, logLevel, timeout, func(ctx context.Context, client *amplitude.Client, cfg *config.Config) error {
				events, err := readEvents(eventsFile)
				if err != nil {
					return err
				}

				var ack *amplitude.WriteAck
				if useBatch {
					ack, err = client.SendBatch(ctx, events)
				} else {
					ack, err = client.SendEvents(ctx, events)
				}
				if err != nil {
					return err
				}

				fmt.Printf("Ingested %d events (%d bytes)\n", ack.EventsIngested, ack.PayloadSizeBytes)
				return nil
			})
		},
	}
	ingestCmd.Flags().StringVarP(&eventsFile, "file", "f", "", "Path to newline-delimited JSON events file (required)")
	ingestCmd.Flags().BoolVar(&useBatch, "batch", false, "Use the Batch endpoint (20 MB payloads) instead of HTTP V2")
	_ = ingestCmd.MarkFlagRequired("file")
	root.AddCommand(ingestCmd)

	// identify: push user property updates
	var updatesFile string
	identifyCmd := &cobra.Command{
		Use:   "identify",
		Short: "Apply user property updates from a newline-delimited JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime("identify", configFile, logLevel, timeout, func(ctx context.Context, client *amplitude.Client, cfg *config.Config) error {
				updates, err := readUpdates(updatesFile)
				if err != nil {
					return err
				}

				results, err := client.UpdateUserProperties(ctx, updates)
				if err != nil {
					return err
				}

				applied := 0
				for _, res := range results {
					if res.Err != nil {
						fmt.Fprintf(os.Stderr, "update %d (%s) failed: %v\n", res.Index, res.UserKey, res.Err)
						continue
					}
					applied++
				}

				fmt.Printf("Applied %d of %d updates\n", applied, len(results))
				return nil
			})
		},
	}
	identifyCmd.Flags().StringVarP(&updatesFile, "file", "f", "", "Path to newline-delimited JSON updates file (required)")
	_ = identifyCmd.MarkFlagRequired("file")
	root.AddCommand(identifyCmd)

	// profile: look up one user
	var userID, deviceID string
	var withRecommendations bool
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Fetch a user profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime("profile", configFile, logLevel, timeout, func(ctx context.Context, client *amplitude.Client, cfg *config.Config) error {
				record, err := client.GetUserProfile(ctx, amplitude.ProfileQueryParams{
					UserID:             userID,
					DeviceID:           deviceID,
					GetAmpProps:        true,
					GetCohortIDs:       true,
					GetRecommendations: withRecommendations,
				})
				if err != nil {
					return err
				}

				return jsonx.MarshalToWriter(os.Stdout, record)
			})
		},
	}
	profileCmd.Flags().StringVar(&userID, "user-id", "", "Amplitude user ID")
	profileCmd.Flags().StringVar(&deviceID, "device-id", "", "Amplitude device ID")
	profileCmd.Flags().BoolVar(&withRecommendations, "recommendations", false, "Include recommendation results")
	root.AddCommand(profileCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withRuntime loads configuration, initializes logging and the client, and
// runs fn under the global timeout. The run ID and operation name travel on
// the context so every log line of the run carries them.
func withRuntime(op, configFile, logLevel string, timeout time.Duration, fn func(context.Context, *amplitude.Client, *config.Config) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Debug,
		Encoding:    "json",
		OutputPaths: []string{"stderr"},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	client, err := amplitude.NewClient(cfg)
	if err != nil {
		logger.Error("client initialization failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	runID := fmt.Sprintf("%s-%d", op, time.Now().Unix())
	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	ctx = context.WithValue(ctx, logger.OperationKey, op)

	log := logger.WithContext(ctx)
	log.Info("run starting", zap.String("region", cfg.Region))
	if err := fn(ctx, client, cfg); err != nil {
		log.Error("run failed", zap.Error(err))
		return err
	}
	log.Info("run finished")
	return nil
}

func loadConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		return config.FromEnv()
	}

	return config.Load(configFile)
}

// readNDJSON calls fn for each non-empty line of a newline-delimited JSON
// file.
func readNDJSON(path string, fn func(raw []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := fn(raw); err != nil {
			return fmt.Errorf("%s line %d: %w", path, line, err)
		}
	}
	return scanner.Err()
}

func readEvents(path string) ([]amplitude.EventRecord, error) {
	var events []amplitude.EventRecord
	err := readNDJSON(path, func(raw []byte) error {
		var ev amplitude.EventRecord
		if err := jsonx.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("invalid event JSON: %w", err)
		}
		events = append(events, ev)
		return nil
	})
	return events, err
}

func readUpdates(path string) ([]amplitude.PropertyUpdate, error) {
	var updates []amplitude.PropertyUpdate
	err := readNDJSON(path, func(raw []byte) error {
		var up amplitude.PropertyUpdate
		if err := jsonx.Unmarshal(raw, &up); err != nil {
			return fmt.Errorf("invalid update JSON: %w", err)
		}
		updates = append(updates, up)
		return nil
	})
	return updates, err
}
