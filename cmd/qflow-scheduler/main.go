package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bobmcallan/qflow/internal/app"
	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/server"
)

var (
	flagConfig           string
	flagSubmissionPort   int
	flagExecutionPort    int
	flagTokenDBAddress   string
	flagAWSAccessKey     string
	flagAWSSecretKey     string
	flagRegion           string
	flagJobBucketKey     string
	flagJobTableKey      string
	flagBackendStatusKey string
	flagEndpoint         string
	flagS3Endpoint       string
	flagUnifyBackends    bool
	flagDev              bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "qflow-scheduler: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qflow-scheduler",
		Short: "Quantum job scheduling and dispatch broker",
		Long: "qflow-scheduler admits, queues, and dispatches quantum jobs.\n" +
			"It exposes a token-authenticated submission API for users and an\n" +
			"execution API for the workers driving the physical backends.",
		Version:      common.GetFullVersion(),
		RunE:         run,
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&flagConfig, "config", "", "path to a qflow.toml config file")
	flags.IntVar(&flagSubmissionPort, "port-for-submission", 0, "listen port for the user-facing surface")
	flags.IntVar(&flagExecutionPort, "port-for-execution", 0, "listen port for the worker-facing surface")
	flags.StringVar(&flagTokenDBAddress, "address_to_token_database", "", "base URL of the token-info service")
	flags.StringVar(&flagAWSAccessKey, "aws-access-key", "", "AWS access key id")
	flags.StringVar(&flagAWSSecretKey, "aws-secret-key", "", "AWS secret access key")
	flags.StringVar(&flagRegion, "region", "", "AWS region")
	flags.StringVar(&flagJobBucketKey, "job-bucket-name-key", "", "parameter-store key holding the job bucket name")
	flags.StringVar(&flagJobTableKey, "job-table-name-key", "", "parameter-store key holding the job table name")
	flags.StringVar(&flagBackendStatusKey, "backend-status-parameter-name", "", "parameter-store key holding the backend catalog")
	flags.StringVar(&flagEndpoint, "endpoint", "", "custom AWS endpoint (dev only)")
	flags.StringVar(&flagS3Endpoint, "s3_endpoint", "", "custom S3 endpoint (dev only)")
	flags.BoolVar(&flagUnifyBackends, "unify-backends", false, "route every backend through one dispatch queue")
	flags.BoolVar(&flagDev, "dev", false, "development mode")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	defer a.Close()

	common.PrintBanner(config, a.Logger)
	a.Start()

	submission := server.NewSubmissionServer(a)
	execution := server.NewExecutionServer(a)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveSurface(submission) })
	g.Go(func() error { return serveSurface(execution) })
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info().Msg("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.GetShutdownTimeout())
		defer cancel()
		return errors.Join(submission.Shutdown(shutdownCtx), execution.Shutdown(shutdownCtx))
	})

	err = g.Wait()
	common.PrintShutdownBanner(a.Logger)
	return err
}

// serveSurface runs one listener to completion, treating a graceful close as
// success.
func serveSurface(s *server.Server) error {
	if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loadConfig loads the TOML config and applies CLI overrides on top of file
// and environment values.
func loadConfig(cmd *cobra.Command) (*common.Config, error) {
	paths := []string{flagConfig}
	if flagConfig == "" {
		paths = []string{os.Getenv("QFLOW_CONFIG"), "qflow.toml", "config/qflow.toml"}
	}
	config, err := common.LoadConfig(paths...)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port-for-submission") {
		config.Server.SubmissionPort = flagSubmissionPort
	}
	if flags.Changed("port-for-execution") {
		config.Server.ExecutionPort = flagExecutionPort
	}
	if flags.Changed("address_to_token_database") {
		config.TokenDB.Address = flagTokenDBAddress
	}
	if flags.Changed("aws-access-key") {
		config.AWS.AccessKey = flagAWSAccessKey
	}
	if flags.Changed("aws-secret-key") {
		config.AWS.SecretKey = flagAWSSecretKey
	}
	if flags.Changed("region") {
		config.AWS.Region = flagRegion
	}
	if flags.Changed("job-bucket-name-key") {
		config.AWS.JobBucketParam = flagJobBucketKey
	}
	if flags.Changed("job-table-name-key") {
		config.AWS.JobTableParam = flagJobTableKey
	}
	if flags.Changed("backend-status-parameter-name") {
		config.AWS.BackendCatalogParam = flagBackendStatusKey
	}
	if flags.Changed("endpoint") {
		config.AWS.Endpoint = flagEndpoint
	}
	if flags.Changed("s3_endpoint") {
		config.AWS.S3Endpoint = flagS3Endpoint
	}
	if flags.Changed("unify-backends") {
		config.UnifyBackends = flagUnifyBackends
	}
	if flagDev {
		config.Environment = "development"
	}

	if (config.AWS.Endpoint != "" || config.AWS.S3Endpoint != "") && config.IsProduction() {
		return nil, fmt.Errorf("--endpoint and --s3_endpoint are development-only overrides")
	}
	return config, nil
}
