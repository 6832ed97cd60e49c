package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.sia.tech/carpark/api"
	"go.sia.tech/carpark/backfill"
	"go.sia.tech/carpark/config"
	"go.sia.tech/carpark/metrics"
	"go.sia.tech/carpark/persist/badger"
	"go.sia.tech/carpark/store"
	"go.sia.tech/carpark/store/memory"
	"go.sia.tech/carpark/store/s3"
	"go.sia.tech/jape"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// reportInterval is how often progress is logged. A backfill that makes no
// progress for two intervals is reported unhealthy.
const reportInterval = 30 * time.Second

var (
	dir = "."
	cfg = config.Config{
		Retry: config.Retry{
			MaxRetries:      5,
			AttemptTimeout:  2 * time.Minute,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
		},
		Pipeline: config.Pipeline{
			PageSize:          1000,
			FilterConcurrency: 40,
			CopyConcurrency:   10,
		},
		API: config.API{
			Address: ":8081",
		},
		Metrics: config.Metrics{
			Namespace: metrics.DefaultNamespace,
		},
		Log: config.Log{
			Level: "info",
		},
	}
)

// mustLoadConfig loads the config file.
func mustLoadConfig(dir string, log *zap.Logger) {
	configPath := filepath.Join(dir, "carpark.yml")

	// If the config file doesn't exist, don't try to load it.
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return
	}

	f, err := os.Open(configPath)
	if err != nil {
		log.Fatal("failed to open config file", zap.Error(err))
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		log.Fatal("failed to decode config file", zap.Error(err))
	}
}

// applyEnvCredentials overrides bucket credentials with the environment
// variables CARPARK_<BUCKET>_ACCESS_KEY_ID and CARPARK_<BUCKET>_SECRET_ACCESS_KEY.
func applyEnvCredentials() {
	buckets := map[string]*config.Bucket{
		"ORIGIN":      &cfg.Origin,
		"DESTINATION": &cfg.Destination,
		"SIDE_INDEX":  &cfg.SideIndex,
		"ROOT_INDEX":  &cfg.RootIndex,
	}
	for name, b := range buckets {
		if v := os.Getenv("CARPARK_" + name + "_ACCESS_KEY_ID"); v != "" {
			b.AccessKeyID = v
		}
		if v := os.Getenv("CARPARK_" + name + "_SECRET_ACCESS_KEY"); v != "" {
			b.SecretAccessKey = v
		}
	}
}

// openBucket connects to a configured bucket. In-memory buckets must be
// requested explicitly and are reported as ephemeral.
func openBucket(name string, bc config.Bucket, log *zap.Logger) (_ store.Bucket, ephemeral bool, err error) {
	log = log.Named(name)

	var b store.Bucket
	switch {
	case bc.Memory && bc.Endpoint != "":
		return nil, false, fmt.Errorf("%s: memory and endpoint are mutually exclusive", name)
	case bc.Memory:
		log.Warn("using an in-memory bucket, nothing written to it will be kept")
		b, ephemeral = memory.New(), true
	case bc.Endpoint == "":
		return nil, false, fmt.Errorf("%s: missing endpoint", name)
	default:
		sb, err := s3.New(bc, log)
		if err != nil {
			return nil, false, fmt.Errorf("%s: failed to connect: %w", name, err)
		}
		b = sb
	}

	return store.WithRetry(b, store.RetryPolicy{
		MaxRetries:      cfg.Retry.MaxRetries,
		AttemptTimeout:  cfg.Retry.AttemptTimeout,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}, log), ephemeral, nil
}

func mustOpenBucket(name string, bc config.Bucket, log *zap.Logger) (store.Bucket, bool) {
	b, ephemeral, err := openBucket(name, bc, log)
	if err != nil {
		log.Fatal("failed to open bucket", zap.Error(err))
	}
	return b, ephemeral
}

// progressStore returns the store progress is tracked in. If any bucket
// written to is ephemeral, progress is kept in memory so the watermark of a
// throwaway run never reaches db.
func progressStore(db *badger.Store, ephemeral bool, log *zap.Logger) (*badger.Store, func() error, error) {
	if !ephemeral {
		return db, func() error { return nil }, nil
	}
	log.Warn("in-memory destination configured, progress will not be persisted")
	mem, err := badger.OpenMemory(log.Named("badger"))
	if err != nil {
		return nil, nil, err
	}
	return mem, mem.Close, nil
}

// listingName identifies a listing of the origin bucket. Ordinals are
// counted from the configured continuation token, so it is part of the name.
func listingName() string {
	return "listing:" + cfg.Pipeline.Prefix + ":" + cfg.Pipeline.ContinuationToken
}

func runList(ctx context.Context, log *zap.Logger) {
	origin, _ := mustOpenBucket("origin", cfg.Origin, log)
	listing, err := backfill.NewListing(listingName(), origin, backfill.ListingOptions{
		Prefix:          cfg.Pipeline.Prefix,
		PageSize:        cfg.Pipeline.PageSize,
		Cursor:          backfill.Cursor{Token: cfg.Pipeline.ContinuationToken},
		DedupeCacheSize: cfg.Pipeline.DedupeCacheSize,
	}, log.Named("listing"))
	if err != nil {
		log.Fatal("failed to create listing", zap.Error(err))
	}

	n, err := backfill.WriteList(ctx, listing, os.Stdout)
	if err != nil {
		log.Fatal("failed to write list", zap.Error(err))
	}
	log.Info("list written", zap.Int("entries", n))
}

func runFailures(db *badger.Store, log *zap.Logger) {
	failures, err := db.Failures()
	if err != nil {
		log.Fatal("failed to get failures", zap.Error(err))
	}
	enc := json.NewEncoder(os.Stdout)
	for _, f := range failures {
		if err := enc.Encode(f); err != nil {
			log.Fatal("failed to write failure", zap.Error(err))
		}
	}
}

func runBackfill(ctx context.Context, db *badger.Store, log *zap.Logger) {
	var buckets backfill.Buckets
	var ephemeral [3]bool
	buckets.Origin, _ = mustOpenBucket("origin", cfg.Origin, log)
	buckets.Destination, ephemeral[0] = mustOpenBucket("destination", cfg.Destination, log)
	buckets.SideIndex, ephemeral[1] = mustOpenBucket("sideIndex", cfg.SideIndex, log)
	buckets.RootIndex, ephemeral[2] = mustOpenBucket("rootIndex", cfg.RootIndex, log)

	db, closeStore, err := progressStore(db, ephemeral[0] || ephemeral[1] || ephemeral[2], log)
	if err != nil {
		log.Fatal("failed to open progress store", zap.Error(err))
	}
	defer closeStore()

	denylist, err := backfill.LoadDenylist(cfg.Denylist.Files...)
	if err != nil {
		log.Fatal("failed to load denylist", zap.Error(err))
	}

	name := listingName()
	if cfg.Pipeline.ListFile != "" {
		name = filepath.Base(cfg.Pipeline.ListFile)
	}
	tracker, err := backfill.NewTracker(db, name, log)
	if err != nil {
		log.Fatal("failed to load progress", zap.Error(err))
	}
	progress := tracker.Progress()

	checkpoints := make(map[string]uint64, len(cfg.Checkpoints)+1)
	for source, checkpoint := range cfg.Checkpoints {
		checkpoints[source] = checkpoint
	}
	if progress.Watermark > checkpoints[name] {
		checkpoints[name] = progress.Watermark
	}

	var source backfill.Source
	if cfg.Pipeline.ListFile != "" {
		lf, err := backfill.OpenListFile(ctx, cfg.Pipeline.ListFile, log.Named("list"))
		if err != nil {
			log.Fatal("failed to open list", zap.Error(err))
		}
		defer lf.Close()
		source = lf
	} else {
		cursor := progress.Cursor
		if cursor == (backfill.Cursor{}) {
			cursor.Token = cfg.Pipeline.ContinuationToken
		}
		listing, err := backfill.NewListing(name, buckets.Origin, backfill.ListingOptions{
			Prefix:          cfg.Pipeline.Prefix,
			PageSize:        cfg.Pipeline.PageSize,
			Cursor:          cursor,
			DedupeCacheSize: cfg.Pipeline.DedupeCacheSize,
			OnPage:          tracker.AddPage,
		}, log.Named("listing"))
		if err != nil {
			log.Fatal("failed to create listing", zap.Error(err))
		}
		source = listing
	}

	log.Info("resuming backfill",
		zap.String("source", name),
		zap.Uint64("checkpoint", checkpoints[name]),
		zap.String("token", progress.Cursor.Token),
		zap.Int("denylisted", len(denylist)))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	heartbeat := api.NewHeartbeat()

	filter := backfill.NewFilter(buckets.Destination, checkpoints, denylist, log.Named("filter"))
	pipeline := backfill.NewPipeline(buckets, source, filter, log,
		backfill.WithFilterConcurrency(cfg.Pipeline.FilterConcurrency),
		backfill.WithCopyConcurrency(cfg.Pipeline.CopyConcurrency),
		backfill.WithReporter(backfill.Reporters(metrics.New(cfg.Metrics.Namespace, registry), heartbeat)),
		backfill.WithTracker(tracker))

	if cfg.API.Address != "" {
		l, err := net.Listen("tcp", cfg.API.Address)
		if err != nil {
			log.Fatal("failed to listen", zap.Error(err))
		}
		defer l.Close()

		apiServer := &http.Server{
			Handler: jape.BasicAuth(cfg.API.Password)(api.NewHandler(name, heartbeat, pipeline, tracker, db, registry, 2*reportInterval, log.Named("api"))),
		}
		defer apiServer.Close()

		go func() {
			if err := apiServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal("failed to serve api", zap.Error(err))
			}
		}()
		log.Info("api started", zap.String("address", l.Addr().String()))
	}

	go func() {
		t := time.NewTicker(reportInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			s, p := pipeline.Summary(), tracker.Progress()
			log.Info("progress",
				zap.Int("success", s.Success),
				zap.Int("exist", s.Exist),
				zap.Int("fail", s.Fail),
				zap.Int("skipped", s.Checkpointed+s.Denied),
				zap.Uint64("watermark", p.Watermark),
				zap.String("token", p.Cursor.Token))
		}
	}()

	summary, err := pipeline.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		log.Info("backfill interrupted", zap.Uint64("watermark", tracker.Progress().Watermark))
	case err != nil:
		log.Fatal("backfill failed", zap.Error(err))
	case summary.Fail > 0:
		log.Warn("backfill completed with failures, run `carpark failures` to list them", zap.Int("failed", summary.Fail))
	}
}

func main() {
	consoleCfg := zap.NewProductionEncoderConfig()
	consoleCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	consoleCfg.EncodeDuration = zapcore.StringDurationEncoder
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCfg.StacktraceKey = ""
	consoleCfg.CallerKey = ""
	consoleEncoder := zapcore.NewConsoleEncoder(consoleCfg)

	// logs go to stderr so the list command can write to stdout
	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(zap.InfoLevel))
	log := zap.New(consoleCore, zap.AddCaller())
	defer log.Sync()
	zap.RedirectStdLog(log.Named("stdlib"))

	flag.StringVar(&dir, "dir", dir, "directory to use for data")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: carpark [flags] [backfill|list|failures]")
		flag.PrintDefaults()
	}
	flag.Parse()

	mustLoadConfig(dir, log)
	applyEnvCredentials()

	var level zap.AtomicLevel
	switch cfg.Log.Level {
	case "debug":
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		log.Fatal("invalid log level", zap.String("level", cfg.Log.Level))
	}

	log = log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level)
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cmd := flag.Arg(0)
	if cmd == "list" {
		runList(ctx, log)
		return
	}

	db, err := badger.OpenDatabase(filepath.Join(dir, "carpark.badgerdb"), log.Named("badger"))
	if err != nil {
		log.Fatal("failed to open badger database", zap.Error(err))
	}
	defer db.Close()

	switch cmd {
	case "", "backfill":
		runBackfill(ctx, db, log)
	case "failures":
		runFailures(db, log)
	default:
		flag.Usage()
		log.Fatal("unknown command", zap.String("command", cmd))
	}
}
