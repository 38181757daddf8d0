package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/dimlake/merger/pkg/clickhouse"
	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/metrics"
	"github.com/malbeclabs/dimlake/merger/pkg/runner"
	"github.com/malbeclabs/dimlake/merger/pkg/scd2"
	"github.com/malbeclabs/dimlake/merger/pkg/server"
	"github.com/malbeclabs/dimlake/merger/pkg/source"
	"github.com/malbeclabs/dimlake/merger/pkg/store"
	"github.com/malbeclabs/dimlake/merger/pkg/store/memory"
	"github.com/malbeclabs/dimlake/merger/pkg/store/postgres"
	"github.com/malbeclabs/dimlake/merger/pkg/store/sqlite"
	"github.com/malbeclabs/dimlake/utils/pkg/logger"
	"github.com/malbeclabs/dimlake/utils/pkg/retry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", "text", "Log format: text or json (or set LOG_FORMAT env var)")

	// Dimension schema
	nameFlag := flag.String("dimension", "", "Dimension name (or set DIMENSION env var)")
	keyColumnsFlag := flag.StringSlice("key", nil, "Natural key column as name:TYPE, repeatable (or set DIMENSION_KEY env var, comma separated)")
	attrColumnsFlag := flag.StringSlice("attr", nil, "Tracked attribute column as name:TYPE, repeatable (or set DIMENSION_ATTRS env var, comma separated)")

	// Store
	storeFlag := flag.String("store", "memory", "Version store: memory, sqlite or postgres (or set STORE env var)")
	sqlitePathFlag := flag.String("sqlite-path", "dimlake.db", "SQLite database path (or set SQLITE_PATH env var)")
	postgresURLFlag := flag.String("postgres-url", "", "PostgreSQL connection string (or set POSTGRES_URL env var)")
	migrateFlag := flag.Bool("migrate", true, "Run store migrations on startup")

	// Source
	cdcDirFlag := flag.String("cdc-dir", "", "Local directory of CDC batch files (or set CDC_DIR env var)")
	cdcPatternFlag := flag.String("cdc-pattern", "*.csv", "Glob for batch files in --cdc-dir")
	s3BucketFlag := flag.String("s3-bucket", "", "S3 bucket of CDC batch files (or set S3_BUCKET env var)")
	s3PrefixFlag := flag.String("s3-prefix", "", "S3 key prefix (or set S3_PREFIX env var)")
	s3RegionFlag := flag.String("s3-region", source.DefaultRegion, "S3 region (or set AWS_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "Custom S3 endpoint, e.g. MinIO (or set S3_ENDPOINT_URL env var)")
	s3RPSFlag := flag.Float64("s3-rps", 0, "Maximum S3 requests per second (0 = unlimited)")
	fullSnapshotFlag := flag.Bool("full-snapshot", false, "Treat every batch as a full snapshot; keys absent from a batch are deleted")
	latestPerKeyFlag := flag.Bool("latest-per-key", false, "Keep only the latest row per natural key within a batch")
	timestampColumnFlag := flag.String("timestamp-column", source.DefaultTimestampColumn, "Column holding the change timestamp")
	opColumnFlag := flag.String("op-column", source.DefaultOpColumn, "Column holding the change operation (I, U or D)")

	// Runner
	onceFlag := flag.Bool("once", false, "Apply pending batches once and exit")
	pollIntervalFlag := flag.Duration("poll-interval", time.Minute, "Interval between source polls")
	maxConcurrencyFlag := flag.Int("max-concurrency", source.DefaultMaxConcurrency, "Maximum batch files decoded concurrently")
	retryAttemptsFlag := flag.Int("retry-attempts", 5, "Attempts per batch when the store is unavailable")

	// ClickHouse history mirror
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port); enables the history mirror (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Server
	listenAddrFlag := flag.String("listen-addr", "0.0.0.0:8080", "HTTP listen address for health, metrics and history endpoints (or set LISTEN_ADDR env var)")
	corsOriginsFlag := flag.StringSlice("cors-origins", nil, "Allowed CORS origins (or set CORS_ORIGINS env var, comma separated)")
	requestsPerMinuteFlag := flag.Int("requests-per-minute", 600, "Per-client limit on /v1 requests (0 = unlimited)")

	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN (or set SENTRY_DSN env var)")

	flag.Parse()

	// godotenv doesn't override existing env vars.
	_ = godotenv.Load()

	overrideString(logFormatFlag, "LOG_FORMAT")
	logFormat, err := logger.ParseFormat(*logFormatFlag)
	if err != nil {
		return err
	}
	log := logger.NewWithOptions(logger.Options{Verbose: *verboseFlag, Format: logFormat})
	log.Info("merger: starting", "version", version, "commit", commit, "date", date)

	overrideString(nameFlag, "DIMENSION")
	overrideSlice(keyColumnsFlag, "DIMENSION_KEY")
	overrideSlice(attrColumnsFlag, "DIMENSION_ATTRS")
	overrideString(storeFlag, "STORE")
	overrideString(sqlitePathFlag, "SQLITE_PATH")
	overrideString(postgresURLFlag, "POSTGRES_URL")
	overrideString(cdcDirFlag, "CDC_DIR")
	overrideString(s3BucketFlag, "S3_BUCKET")
	overrideString(s3PrefixFlag, "S3_PREFIX")
	overrideString(s3RegionFlag, "AWS_REGION")
	overrideString(s3EndpointFlag, "S3_ENDPOINT_URL")
	overrideString(clickhouseAddrFlag, "CLICKHOUSE_ADDR_TCP")
	overrideString(clickhouseDatabaseFlag, "CLICKHOUSE_DATABASE")
	overrideString(clickhouseUsernameFlag, "CLICKHOUSE_USERNAME")
	overrideString(clickhousePasswordFlag, "CLICKHOUSE_PASSWORD")
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	overrideString(listenAddrFlag, "LISTEN_ADDR")
	overrideSlice(corsOriginsFlag, "CORS_ORIGINS")
	overrideString(sentryDSNFlag, "SENTRY_DSN")

	if *sentryDSNFlag != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		tracesSampleRate := 0.1
		if sentryEnv == "development" {
			tracesSampleRate = 1.0
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              *sentryDSNFlag,
			Environment:      sentryEnv,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: tracesSampleRate,
		}); err != nil {
			log.Warn("merger: sentry initialization failed", "error", err)
		} else {
			log.Info("merger: sentry initialized", "env", sentryEnv, "release", release)
			defer sentry.Flush(2 * time.Second)
		}
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dim, err := dimension.NewDimension(&dimension.StaticSchema{
		DimensionName: *nameFlag,
		KeyColumns:    *keyColumnsFlag,
		AttrColumns:   *attrColumnsFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to build dimension: %w", err)
	}

	st, closeStore, err := openStore(ctx, log, dim, *storeFlag, *sqlitePathFlag, *postgresURLFlag, *migrateFlag)
	if err != nil {
		return err
	}
	defer closeStore()

	merger, err := scd2.NewMerger(scd2.MergerConfig{
		Logger:    log,
		Dimension: dim,
		Store:     st,
	})
	if err != nil {
		return fmt.Errorf("failed to create merger: %w", err)
	}

	var src source.Source
	switch {
	case *cdcDirFlag != "" && *s3BucketFlag != "":
		return errors.New("--cdc-dir and --s3-bucket are mutually exclusive")
	case *cdcDirFlag != "":
		src, err = source.NewLocalSource(source.LocalSourceConfig{Dir: *cdcDirFlag, Pattern: *cdcPatternFlag})
	case *s3BucketFlag != "":
		client, cerr := source.NewS3Client(ctx, source.S3ClientConfig{
			Region:          *s3RegionFlag,
			EndpointURL:     *s3EndpointFlag,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		})
		if cerr != nil {
			return cerr
		}
		src, err = source.NewS3Source(source.S3SourceConfig{
			Logger:            log,
			Client:            client,
			Bucket:            *s3BucketFlag,
			Prefix:            *s3PrefixFlag,
			RequestsPerSecond: *s3RPSFlag,
		})
	default:
		return errors.New("one of --cdc-dir or --s3-bucket is required")
	}
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}

	decoder, err := source.NewDecoder(source.DecoderConfig{
		Dimension:       dim,
		TimestampColumn: *timestampColumnFlag,
		OpColumn:        *opColumnFlag,
		FullSnapshot:    *fullSnapshotFlag,
		LatestPerKey:    *latestPerKeyFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	runnerCfg := runner.Config{
		Logger:         log,
		Source:         src,
		Decoder:        decoder,
		Merger:         merger,
		PollInterval:   *pollIntervalFlag,
		MaxConcurrency: *maxConcurrencyFlag,
		Retry: retry.Config{
			MaxAttempts: *retryAttemptsFlag,
			BaseBackoff: time.Second,
			MaxBackoff:  30 * time.Second,
		},
	}
	if *clickhouseAddrFlag != "" {
		chClient, err := clickhouse.NewClient(ctx, log, clickhouse.ClientConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create clickhouse client: %w", err)
		}
		defer chClient.Close()
		mirror, err := clickhouse.NewHistoryMirror(clickhouse.HistoryMirrorConfig{
			Logger:    log,
			Client:    chClient,
			Dimension: dim,
		})
		if err != nil {
			return fmt.Errorf("failed to create history mirror: %w", err)
		}
		if err := mirror.EnsureTable(ctx); err != nil {
			return err
		}
		runnerCfg.Mirror = mirror
	}

	r, err := runner.New(runnerCfg)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	if *onceFlag {
		summary, err := r.Refresh(ctx)
		if err != nil {
			return err
		}
		log.Info("merger: done", "listed", summary.Listed, "applied", summary.Applied, "skipped", summary.Skipped, "stale", summary.Stale)
		return nil
	}

	srv, err := server.New(ctx, server.Config{
		Logger:            log,
		Merger:            merger,
		Ready:             r,
		BuildInfo:         server.BuildInfo{Version: version, Commit: commit, Date: date},
		CORSOrigins:       *corsOriginsFlag,
		RequestsPerMinute: *requestsPerMinuteFlag,
		Sentry:            *sentryDSNFlag != "",
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	ln, err := net.Listen("tcp", *listenAddrFlag)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", *listenAddrFlag, err)
	}

	r.Start(ctx)
	err = srv.Serve(ctx, ln)
	log.Info("merger: shutting down")
	return err
}

func openStore(ctx context.Context, log *slog.Logger, dim *dimension.Dimension, kind, sqlitePath, postgresURL string, migrate bool) (store.Store, func(), error) {
	switch kind {
	case "memory":
		log.Warn("merger: using in-memory store; history is lost on exit")
		return memory.New(), func() {}, nil
	case "sqlite":
		db, err := sqlite.Open(sqlitePath)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := sqlite.Migrate(ctx, log, db); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		st, err := sqlite.New(sqlite.Config{Logger: log, DB: db, Dimension: dim})
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return st, func() { db.Close() }, nil
	case "postgres":
		if postgresURL == "" {
			return nil, nil, errors.New("--postgres-url is required for --store=postgres")
		}
		if migrate {
			if err := postgres.Migrate(ctx, log, postgresURL); err != nil {
				return nil, nil, err
			}
		}
		pool, err := postgres.NewPool(ctx, postgresURL)
		if err != nil {
			return nil, nil, err
		}
		st, err := postgres.New(postgres.Config{Logger: log, Pool: pool, Dimension: dim})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", kind)
}

func overrideString(flagValue *string, envKey string) {
	if v := os.Getenv(envKey); v != "" {
		*flagValue = v
	}
}

func overrideSlice(flagValue *[]string, envKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*flagValue = out
}
