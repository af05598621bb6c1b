// Command resibroker runs the credential-and-assignment broker (spec.md
// §1). Its cli.App shape — a single app var built in init, an explicit
// exit-code wrapper in main — mirrors the teacher's cmd/toskey/main.go,
// generalized from key-management subcommands to a single long-running
// "serve" command plus operational subcommands.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tos-network/resibroker/internal/api"
	"github.com/tos-network/resibroker/internal/chainclient"
	"github.com/tos-network/resibroker/internal/chainview"
	"github.com/tos-network/resibroker/internal/commitment"
	"github.com/tos-network/resibroker/internal/config"
	"github.com/tos-network/resibroker/internal/credential"
	"github.com/tos-network/resibroker/internal/epoch"
	"github.com/tos-network/resibroker/internal/metrics"
	"github.com/tos-network/resibroker/internal/ratelimit"
	"github.com/tos-network/resibroker/internal/sigscheme"
	"github.com/tos-network/resibroker/internal/validatorupload"
	"github.com/tos-network/resibroker/internal/xlog"
	"github.com/tos-network/resibroker/internal/zipcode"
)

// exitCode is the sysexits(3)-style convention spec.md §6 fixes for the CLI
// wrapper: 0 success, 64 usage, 70 software, 75 temporary failure, plus 78
// (EX_CONFIG) for a bad/missing configuration, per SPEC_FULL.md §4.12.
type exitCode int

const (
	exitOK       exitCode = 0
	exitUsage    exitCode = 64
	exitSoftware exitCode = 70
	exitTempFail exitCode = 75
	exitConfig   exitCode = 78
)

// cliError pairs an error with the exit code main() should report for it.
type cliError struct {
	code exitCode
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func usageErr(format string, args ...interface{}) error {
	return &cliError{exitUsage, fmt.Errorf(format, args...)}
}
func configErr(format string, err error) error {
	return &cliError{exitConfig, fmt.Errorf(format, err)}
}
func tempFailErr(format string, err error) error {
	return &cliError{exitTempFail, fmt.Errorf(format, err)}
}
func softwareErr(format string, err error) error {
	return &cliError{exitSoftware, fmt.Errorf(format, err)}
}

var gitCommit = ""
var gitDate = ""

var app *cli.App

func init() {
	app = &cli.App{
		Name:    "resibroker",
		Usage:   "credential-and-assignment broker for the subnet",
		Version: fmt.Sprintf("%s-%s", gitCommit, gitDate),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "sig-scheme", Value: "ed25519", Usage: "signature scheme: ed25519 or sr25519"},
			&cli.BoolFlag{Name: "log.json", Value: true, Usage: "emit structured JSON logs"},
		},
		Commands: []*cli.Command{
			commandServe,
			commandMigrate,
			commandRegenerateEpoch,
		},
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(exitCodeFor(err)))
	}
}

// exitCodeFor maps an error to the sysexits-style code main() reports.
// Errors not explicitly classified are treated as software errors (70)
// rather than the historical bare "1", matching spec.md §6.
func exitCodeFor(err error) exitCode {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitSoftware
}

var commandServe = &cli.Command{
	Name:  "serve",
	Usage: "run the HTTP API and background sync/scheduler loops",
	Action: func(c *cli.Context) error {
		if !c.Bool("log.json") {
			xlog.NewDevelopment()
		}
		return runServe(c)
	},
}

var commandMigrate = &cli.Command{
	Name:  "migrate",
	Usage: "report that schema migrations are run by an external tool, and exit with a usage error",
	Action: func(c *cli.Context) error {
		return usageErr("migrate: schema management is delegated to an external migration tool (non-goal, spec.md §1)")
	},
}

var commandRegenerateEpoch = &cli.Command{
	Name:  "regenerate-epoch",
	Usage: "discard a still-pending epoch and regenerate it under a fresh id",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "start", Required: true, Usage: "RFC3339 slot start timestamp, e.g. 2026-07-31T12:00:00Z"},
	},
	Action: func(c *cli.Context) error {
		start, err := time.Parse(time.RFC3339, c.String("start"))
		if err != nil {
			return usageErr("parsing --start: %w", err)
		}

		cfg, err := config.Load()
		if err != nil {
			return configErr("loading config: %w", err)
		}
		ctx := context.Background()

		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return tempFailErr("connecting to database: %w", err)
		}
		defer dbPool.Close()

		store := zipcode.NewStore(dbPool)
		scheduler := epoch.New(store, cfg)
		if err := scheduler.ForceRegenerate(ctx, start.UTC(), time.Now().UTC()); err != nil {
			return softwareErr("regenerating epoch: %w", err)
		}
		xlog.Info("epoch regenerated", "start", start.UTC())
		return nil
	},
}

func runServe(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return configErr("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheme := sigscheme.New(sigscheme.Scheme(c.String("sig-scheme")))
	if scheme == nil {
		return usageErr("unrecognized --sig-scheme %q (want ed25519 or sr25519)", c.String("sig-scheme"))
	}

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return tempFailErr("connecting to database: %w", err)
	}
	defer dbPool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return configErr("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return softwareErr("loading aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg)
	presignClient := s3.NewPresignClient(s3Client)

	minioCreds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return tempFailErr("retrieving object store credentials: %w", err)
	}
	s3Endpoint := fmt.Sprintf("s3.%s.amazonaws.com", cfg.S3Region)
	minioClient, err := minio.New(s3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(minioCreds.AccessKeyID, minioCreds.SecretAccessKey, minioCreds.SessionToken),
		Secure: true,
	})
	if err != nil {
		return softwareErr("constructing object store client: %w", err)
	}

	chainClient := chainclient.New(cfg.BTNetwork)
	chain := chainview.New(chainClient, cfg.NetUID, cfg.ChainMaxStale, cfg.ChainFallbackEnabled)
	if err := chain.SyncOnce(ctx); err != nil {
		return tempFailErr("initial metagraph sync: %w", err)
	}

	bg, bgCtx := errgroup.WithContext(ctx)
	bg.Go(func() error { chain.Run(bgCtx, cfg.MetagraphSyncInterval); return nil })

	minStake, err := decimal.NewFromString(cfg.ValidatorMinStake)
	if err != nil {
		return configErr("parsing VALIDATOR_MIN_STAKE: %w", err)
	}
	auth := commitment.New(scheme, chain, cfg.TimestampSkew, cfg.SignatureVerificationTimeout,
		minStake, !minStake.IsZero())

	limiter := ratelimit.New(rdb, cfg.EnableRateLimiting)

	minter := credential.New(cfg.S3Bucket, cfg.S3Region, minioClient, presignClient, cfg.S3OperationTimeout, cfg.MaxCredentialTTL)

	store := zipcode.NewStore(dbPool)
	scheduler := epoch.New(store, cfg)
	scheduler.Run(ctx, 1*time.Minute)

	uploads := validatorupload.New(minter, scheduler, validatorupload.NewPostgresAudit(dbPool), cfg.UploadTTL)

	probes := []metrics.Prober{
		{Name: "database", Ping: func(ctx context.Context) error { return dbPool.Ping(ctx) }},
		{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		{Name: "chain", Ping: func(ctx context.Context) error {
			if _, ok := chain.Staleness(); !ok {
				return fmt.Errorf("chain view never synced")
			}
			return nil
		}},
	}

	srv := api.New(cfg, auth, limiter, chain, minter, scheduler, uploads, probes)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		xlog.Info("starting http server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		xlog.Info("shutdown signal received, draining")
	case err := <-errCh:
		return softwareErr("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		xlog.Error("graceful shutdown failed", "err", err)
	}
	scheduler.Wait()
	if err := bg.Wait(); err != nil {
		xlog.Error("background task exited with error", "err", err)
	}
	return nil
}
