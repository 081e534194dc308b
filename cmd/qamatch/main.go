// Package main is the qamatch CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hyperjump/qamatch/internal/assets"
	"github.com/hyperjump/qamatch/internal/cli"
	"github.com/hyperjump/qamatch/internal/compact"
	"github.com/hyperjump/qamatch/internal/config"
	"github.com/hyperjump/qamatch/internal/dataset"
	"github.com/hyperjump/qamatch/internal/embedding"
	"github.com/hyperjump/qamatch/internal/matcher"
	"github.com/hyperjump/qamatch/internal/metrics"
	"github.com/hyperjump/qamatch/internal/models"
	"github.com/hyperjump/qamatch/internal/precompute"
	"github.com/hyperjump/qamatch/internal/server"
	"github.com/hyperjump/qamatch/internal/storage"
	"github.com/hyperjump/qamatch/internal/watcher"
	"github.com/hyperjump/qamatch/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/qamatch/config.yaml"

// loadConfig loads config from path. When path is the default, config.yaml in
// the current directory wins if it exists; when neither exists the built-in
// defaults are used. Returns the config and the path that was actually loaded
// ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			var cfg config.Config
			config.ApplyDefaults(&cfg)
			return &cfg, "", config.Validate(&cfg)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// commonFlags registers --config and --debug on fs.
func commonFlags(fs *flag.FlagSet) (configPath *string, debug *bool) {
	configPath = fs.String("config", defaultConfigPath, "config file path")
	debug = fs.Bool("debug", false, "enable debug logging")
	return configPath, debug
}

// setup loads config and builds the logger for a subcommand.
func setup(configPath string, debugFlag bool) (*config.Config, *zap.Logger) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debugFlag
	logger, err := utils.NewLogger(debugMode, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	return cfg, logger
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	// A missing .env is normal; real environment variables still apply.
	_ = godotenv.Load()

	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "match":
		runMatch()
	case "info":
		runInfo()
	case "precompute":
		runPrecompute()
	case "export":
		runExport()
	case "build-index":
		runBuildIndex()
	case "version", "--version", "-v":
		fmt.Printf("qamatch version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	_ = fs.Parse(os.Args[2:])

	cfg, logger := setup(*configPath, *debug)
	defer logger.Sync()

	components, err := initializeComponents(cfg, os.Getenv(cfg.Embedding.APIKeyEnv), logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if cfg.Assets.Watch {
		w := watcher.New(cfg.Assets.Dir, components.InvalidateDataset, watcher.WithLogger(logger))
		if err := w.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer w.Stop()
		logger.Info("watching assets", zap.String("dir", cfg.Assets.Dir))
	}

	srv := server.NewServer(server.Deps{
		Store:       components.Store,
		Matcher:     components.Matcher,
		Precomputer: components.Precomputer,
		Provider:    components.Provider,
		Gatherer:    components.Registry,
	}, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// buildQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// argsReorder moves any flags (and their values) that appear after the
// positional arguments to the front so that flag.Parse() sees them. The flag
// package stops at the first non-flag argument.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func parseFormat(s string) cli.OutputFormat {
	format, err := cli.ParseOutputFormat(s)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return format
}

func printMatchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: qamatch match [flags] <question>\n\n")
	fmt.Fprintf(fs.Output(), "The question is all remaining arguments joined by spaces.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  qamatch match Was ist Wasser?
  qamatch match --dataset physik --threshold 0.6 "Wie funktioniert Strom?"
  qamatch match --server http://localhost:8080 --output json Was ist Feuer?
`)
}

func runMatch() {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	datasetID := fs.String("dataset", "", "dataset id (default: match.default_dataset)")
	threshold := fs.Float64("threshold", 0, "similarity threshold in [0.1, 0.9] (default: match.threshold)")
	serverURL := fs.String("server", "", "query a running server instead of loading assets locally")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() { printMatchUsage(fs) }
	_ = fs.Parse(argsReorder(os.Args[2:]))

	query := buildQuery(fs.Args())
	if query == "" {
		printMatchUsage(fs)
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	req := &models.MatchRequest{Query: query, DatasetID: *datasetID}
	if *threshold != 0 {
		if err := models.ValidateThreshold(*threshold); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		req.Threshold = threshold
	}

	var resp *models.MatchResponse
	if *serverURL != "" {
		r, err := matchViaHTTP(*serverURL, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Match failed: %v\n", err)
			os.Exit(1)
		}
		resp = r
	} else {
		cfg, logger := setup(*configPath, *debug)
		defer logger.Sync()
		components, err := initializeComponents(cfg, os.Getenv(cfg.Embedding.APIKeyEnv), logger)
		if err != nil {
			logger.Fatal("Failed to initialize", zap.Error(err))
		}
		defer components.Close()
		resp, err = matchLocal(context.Background(), components, cfg, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Match failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteMatch(os.Stdout, resp, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// matchLocal answers req with in-process components.
func matchLocal(ctx context.Context, c *Components, cfg *config.Config, req *models.MatchRequest) (*models.MatchResponse, error) {
	id := req.DatasetID
	if id == "" {
		id = cfg.Match.DefaultDataset
	}
	if id == "" {
		return nil, errors.New("no dataset given and match.default_dataset is not set")
	}
	threshold := c.Matcher.Threshold()
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	start := time.Now()
	match, err := c.Matcher.FindBestMatchWithThreshold(ctx, req.Query, id, threshold)
	if err != nil {
		return nil, err
	}
	return &models.MatchResponse{
		Match:     match,
		DatasetID: id,
		Threshold: threshold,
		QueryTime: time.Since(start).Milliseconds(),
	}, nil
}

func matchViaHTTP(serverURL string, req *models.MatchRequest) (*models.MatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Post(strings.TrimSuffix(serverURL, "/")+"/api/v1/match", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out models.MatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func runInfo() {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))
	format := parseFormat(*outputFormat)

	cfg, logger := setup(*configPath, *debug)
	defer logger.Sync()

	if fs.NArg() == 0 {
		if err := cli.WriteDatasets(os.Stdout, dataset.Visible(cfg.Refs()), format); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	components, err := initializeComponents(cfg, os.Getenv(cfg.Embedding.APIKeyEnv), logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()
	info, err := components.Store.Info(context.Background(), fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Info failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteInfo(os.Stdout, info, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runPrecompute() {
	fs := flag.NewFlagSet("precompute", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	batchSize := fs.Int("batch-size", 0, "records per embedding request (default: precompute.batch_size)")
	concurrency := fs.Int("concurrency", 0, "parallel requests (default: precompute.concurrency)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))
	format := parseFormat(*outputFormat)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: qamatch precompute [flags] <dataset-id>")
		os.Exit(1)
	}

	cfg, logger := setup(*configPath, *debug)
	defer logger.Sync()
	components, err := initializeComponents(cfg, os.Getenv(cfg.Embedding.APIKeyEnv), logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	opts := cfg.Precompute.Options()
	if *batchSize > 0 {
		opts.BatchSize = *batchSize
	}
	if *concurrency > 0 {
		opts.Concurrency = *concurrency
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var progress precompute.ProgressFunc
	if format == cli.OutputText {
		progress = cli.ProgressPrinter(os.Stderr)
	}
	res, err := components.Precomputer.Run(ctx, fs.Arg(0), components.Provider.Embed, opts, progress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nPrecompute failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WritePrecompute(os.Stdout, res, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runExport() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	format := fs.String("format", dataset.FormatJSON, "export format: json or xlsx")
	out := fs.String("out", "", "output file (default: stdout)")
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: qamatch export [--format json|xlsx] [--out file] <dataset-id>")
		os.Exit(1)
	}

	cfg, logger := setup(*configPath, *debug)
	defer logger.Sync()
	components, err := initializeComponents(cfg, os.Getenv(cfg.Embedding.APIKeyEnv), logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	if err := exportDataset(context.Background(), components.Store, fs.Arg(0), *format, *out); err != nil {
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		os.Exit(1)
	}
}

// exportDataset writes dataset id to path, or stdout when path is empty.
func exportDataset(ctx context.Context, store *dataset.Store, id, format, path string) error {
	ds, err := store.Load(ctx, id)
	if err != nil {
		return err
	}
	if len(ds.Items) == 0 {
		return fmt.Errorf("dataset %q has no records", id)
	}
	if path == "" {
		return dataset.Export(os.Stdout, ds, format)
	}
	var buf bytes.Buffer
	if err := dataset.Export(&buf, ds, format); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

func runBuildIndex() {
	fs := flag.NewFlagSet("build-index", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	outDir := fs.String("out", "", "asset directory to write (default: assets.dir)")
	pcaDim := fs.Int("pca-dim", compact.DefaultPCADim, "reduced dimension")
	noPCA := fs.Bool("no-pca", false, "keep the source dimension (identity projection)")
	float32Rows := fs.Bool("float32", false, "store float32 rows instead of int8")
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: qamatch build-index [flags] <dataset-id>")
		os.Exit(1)
	}

	cfg, logger := setup(*configPath, *debug)
	defer logger.Sync()
	components, err := initializeComponents(cfg, os.Getenv(cfg.Embedding.APIKeyEnv), logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	dir := *outDir
	if dir == "" {
		dir = cfg.Assets.Dir
	}
	meta := components.Provider.Meta()
	opts := compact.BuildOptions{
		DatasetID:  fs.Arg(0),
		PCADim:     *pcaDim,
		DisablePCA: *noPCA,
		Float32:    *float32Rows,
		ProviderID: meta.ProviderID,
		Model:      meta.Model,
	}
	idx, err := buildIndex(context.Background(), components, dir, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Build failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s index for %q to %s: %d rows, %d -> %d dims\n",
		idx.Meta.Quant, opts.DatasetID, dir, idx.Rows(), idx.SourceDim, idx.Meta.PCADim)
}

// buildIndex fits and writes the compact index for opts.DatasetID into dir.
func buildIndex(ctx context.Context, c *Components, dir string, opts compact.BuildOptions) (*compact.Index, error) {
	if dir == "" {
		return nil, errors.New("no output directory: pass --out or set assets.dir")
	}
	ds, err := c.Store.Load(ctx, opts.DatasetID)
	if err != nil {
		return nil, err
	}
	if !ds.HasEmbeddings {
		return nil, fmt.Errorf("dataset %q has no embeddings; run qamatch precompute first", opts.DatasetID)
	}
	idx, err := compact.Build(ds.Items, opts)
	if err != nil {
		return nil, err
	}
	if err := compact.WriteAssets(dir, idx, ds.Items); err != nil {
		return nil, err
	}
	c.InvalidateDataset(opts.DatasetID)
	return idx, nil
}

// Components holds initialized services.
type Components struct {
	KV          storage.KV
	Provider    embedding.Provider
	Loader      *compact.Loader
	Cache       *dataset.EmbeddingCache
	Store       *dataset.Store
	Matcher     *matcher.Matcher
	Precomputer *precompute.Precomputer
	Metrics     *metrics.Metrics
	Registry    *prometheus.Registry
	logger      *zap.Logger
}

// InvalidateDataset forgets the cached dataset and compact index for id.
func (c *Components) InvalidateDataset(id string) {
	c.Store.Invalidate(id)
	if c.Loader != nil {
		c.Loader.Invalidate(id)
	}
	c.logger.Info("dataset invalidated", zap.String("dataset", id))
}

// Close releases the provider and the cache database.
func (c *Components) Close() {
	if c.Provider != nil {
		if err := c.Provider.Close(); err != nil {
			c.logger.Warn("provider close failed", zap.Error(err))
		}
	}
	if c.KV != nil {
		if err := c.KV.Close(); err != nil {
			c.logger.Warn("cache close failed", zap.Error(err))
		}
	}
}

func newAssetSource(cfg *config.AssetsConfig) (assets.Source, error) {
	switch {
	case cfg.Dir != "":
		return assets.NewDirSource(cfg.Dir), nil
	case cfg.BaseURL != "":
		return assets.NewHTTPSource(cfg.BaseURL, nil)
	}
	return nil, nil
}

func initializeComponents(cfg *config.Config, apiKey string, logger *zap.Logger) (*Components, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var kv storage.KV
	if cfg.Cache.DatabasePath != "" {
		sqlite, err := storage.NewSQLiteKV(cfg.Cache.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
		kv = sqlite
	} else {
		kv = storage.NewMemoryKV(cfg.Cache.MemoryCapacity)
	}

	provider, err := embedding.New(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		ProviderID:     cfg.Embedding.ProviderID,
		Model:          cfg.Embedding.Model,
		Dimensions:     cfg.Embedding.Dimensions,
		BaseURL:        cfg.Embedding.BaseURL,
		APIKey:         apiKey,
		ModelPath:      cfg.Embedding.ModelPath,
		MaxTokens:      cfg.Embedding.MaxTokens,
		QueryCacheSize: cfg.Embedding.QueryCacheSize,
		Timeout:        cfg.Embedding.Timeout,
	}, logger)
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}

	src, err := newAssetSource(&cfg.Assets)
	if err != nil {
		_ = kv.Close()
		_ = provider.Close()
		return nil, fmt.Errorf("failed to initialize asset source: %w", err)
	}

	cache := dataset.NewEmbeddingCache(kv, provider.Meta(), logger)
	storeOpts := []dataset.Option{dataset.WithLogger(logger), dataset.WithEmbeddingCache(cache)}

	var loader *compact.Loader
	var indexes matcher.Indexes
	if src != nil {
		loader = compact.NewLoader(src,
			compact.WithLogger(logger),
			compact.WithMetrics(m),
			compact.WithReprobeAfter(cfg.Assets.ReprobeAfter))
		indexes = loader
		storeOpts = append(storeOpts, dataset.WithCompactLoader(loader))
	}
	for _, d := range cfg.Datasets {
		if d.RecordsFile == "" {
			continue
		}
		records, err := dataset.ReadRecordsFile(d.RecordsFile)
		if err != nil {
			_ = kv.Close()
			_ = provider.Close()
			return nil, fmt.Errorf("dataset %s: %w", d.ID, err)
		}
		storeOpts = append(storeOpts, dataset.WithBundled(d.ID, records))
	}
	store := dataset.NewStore(src, storeOpts...)

	mt := matcher.New(store, indexes, provider, matcher.Config{
		Enabled:   cfg.Match.EnabledOrDefault(),
		Threshold: cfg.Match.Threshold,
	}, matcher.WithLogger(logger), matcher.WithMetrics(m))
	pre := precompute.New(store,
		precompute.WithSaver(cache),
		precompute.WithLogger(logger),
		precompute.WithMetrics(m))

	return &Components{
		KV:          kv,
		Provider:    provider,
		Loader:      loader,
		Cache:       cache,
		Store:       store,
		Matcher:     mt,
		Precomputer: pre,
		Metrics:     m,
		Registry:    reg,
		logger:      logger,
	}, nil
}

func printUsage() {
	fmt.Println(`qamatch - semantic question matching over curated QA datasets

Usage:
  qamatch server [flags]                 Start the HTTP server
  qamatch match [flags] <question>       Find the best matching record
  qamatch info [flags] [dataset-id]      List datasets, or summarize one
  qamatch precompute [flags] <dataset>   Embed records that lack an embedding
  qamatch export [flags] <dataset>       Export records as json or xlsx
  qamatch build-index [flags] <dataset>  Build the compact PCA index assets
  qamatch version                        Show version
  qamatch help                           Show this help

Common flags:
  --config <path>   config file (default ` + defaultConfigPath + `, or ./config.yaml)
  --debug           enable debug logging

The embedding API key is read from the variable named by embedding.api_key_env
(default OPENAI_API_KEY); a .env file in the working directory is honoured.`)
}
