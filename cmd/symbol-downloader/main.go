package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/pkg/dtn"
	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/pkg/harvest"
	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/pkg/logging"
	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/pkg/publish"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	// Optional .env file; absence is fine.
	_ = godotenv.Load()

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "false") == "true",
		Output: os.Stderr,
	})

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "symbol-downloader",
		Short: "DTN IQFeed symbol downloader",
		Long: `Downloads the full DTN IQFeed symbol universe page by page with
retry, resume, and checkpointing, then splits the result by exchange
and security type. The publish command loads the split output into
Redis for downstream consumers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newPublishCmd())

	return rootCmd
}

func newDownloadCmd() *cobra.Command {
	var (
		outputDir   string
		resumeFrom  int
		delay       int
		keepBatches bool
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download all symbols with retry and resume support",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDownload(ctx, outputDir, resumeFrom, delay, keepBatches)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", getEnv("OUTPUT_DIR", "dtn_symbols"), "output directory")
	cmd.Flags().IntVar(&resumeFrom, "resume", 0, "resume from specific batch number")
	cmd.Flags().IntVar(&delay, "delay", 2, "delay between batches in seconds")
	cmd.Flags().BoolVar(&keepBatches, "keep-batches", false, "keep per-batch files after a successful run")

	return cmd
}

func runDownload(ctx context.Context, outputDir string, resumeFrom, delay int, keepBatches bool) error {
	client := dtn.NewClient(dtn.ClientConfig{
		BaseURL: getEnv("DTN_BASE_URL", dtn.DefaultBaseURL),
	})
	fetcher := dtn.NewFetcher(client, dtn.DefaultFetcherConfig())

	sink, err := harvest.NewCSVSink(outputDir)
	if err != nil {
		return err
	}
	store := harvest.NewCheckpointStore(outputDir)

	// Informational only: show what the backend knows about before a
	// fresh run.
	if resumeFrom <= 1 {
		if cats, err := client.Categories(ctx); err != nil {
			log.Warn().Err(err).Msg("Could not fetch symbol categories")
		} else {
			log.Info().
				Int("exchanges", len(cats.Exchange)).
				Int("security_types", len(cats.SecurityType)).
				Msg("Available symbol categories")
		}
	}

	cfg := harvest.DefaultConfig()
	cfg.Delay = time.Duration(delay) * time.Second
	cfg.ResumeFrom = resumeFrom

	engine := harvest.New(fetcher, sink, store, cfg)
	result, err := engine.Run(ctx)
	if err != nil {
		if result != nil && result.Resumable {
			log.Error().Err(err).
				Int("resume_from", result.ResumeFrom).
				Int("symbols_so_far", result.TotalSymbols).
				Msgf("Download incomplete, resume with: symbol-downloader download --resume %d", result.ResumeFrom)
		}
		return err
	}

	if err := sink.Partition(result.Records); err != nil {
		return err
	}

	if !keepBatches && result.Batches > 0 {
		if err := sink.Cleanup(result.Batches); err != nil {
			log.Warn().Err(err).Msg("Could not clean up batch files")
		}
	}

	log.Info().
		Int("batches", result.Batches).
		Int("total_symbols", result.TotalSymbols).
		Int("unique_symbols", len(result.Records)).
		Int("duplicates_removed", result.DuplicatesRemoved).
		Msg("Download completed successfully")
	return nil
}

func newPublishCmd() *cobra.Command {
	var (
		outputDir string
		redisAddr string
		exchanges []string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Load the partitioned output into Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("connect to redis at %s: %w", redisAddr, err)
			}
			defer redisClient.Close()
			log.Info().Str("addr", redisAddr).Msg("Connected to Redis")

			publisher, err := publish.New(redisClient)
			if err != nil {
				return err
			}

			stored, err := publisher.Publish(ctx, publish.Config{
				OutputDir: outputDir,
				Exchanges: exchanges,
			})
			if err != nil {
				return err
			}

			log.Info().Int("symbols", stored).Msg("Publish completed successfully")
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", getEnv("OUTPUT_DIR", "dtn_symbols"), "harvest output directory")
	cmd.Flags().StringVar(&redisAddr, "redis", getEnv("REDIS_URL", "localhost:6379"), "redis address")
	cmd.Flags().StringSliceVar(&exchanges, "exchanges", publish.DefaultExchanges, "exchanges to publish")

	return cmd
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
