package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/outreach-intake/internal/cache"
	"github.com/zombor/outreach-intake/internal/customer"
	"github.com/zombor/outreach-intake/internal/intake"
	"github.com/zombor/outreach-intake/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is fine
	_ = godotenv.Load()

	fs := ff.NewFlagSet("outreach-intake")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		storeType       = fs.StringLong("store", "bolt", "Customer store: 'bolt' or 'postgres'")
		dbPath          = fs.StringLong("db", "outreach-intake.db", "Bolt database file path")
		postgresDSN     = fs.StringLong("postgres-dsn", "", "Postgres connection string (store=postgres)")
		redisAddr       = fs.StringLong("redis-addr", "", "Redis address for the shared extraction cache (optional)")
		extractorType   = fs.StringLong("extractor", "gemini", "Extractor type: 'gemini' or 'ollama'")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name")
		jwtSecret       = fs.StringLong("jwt-secret", "", "HS256 secret for bearer tokens")
		jwksURL         = fs.StringLong("jwks-url", "", "JWKS URL for RS256/ES256 bearer tokens")
		defaultLanguage = fs.StringLong("default-language", "en", "Language for customers without one")
		cacheSize       = fs.IntLong("cache-size", cache.DefaultSize, "In-memory extraction cache entries")
		cacheWindow     = fs.DurationLong("cache-window", cache.DefaultWindow, "How long an extraction is reused")
		maxRetries      = fs.IntLong("max-retries", 2, "Extraction retries on transient provider errors")
		extractTimeout  = fs.DurationLong("extract-timeout", 60*time.Second, "Timeout for one extraction attempt")
		logLevel        = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat       = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("OUTREACH"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	setupLogging(*logLevel, *logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...", "store", *storeType)
	var db customer.DB
	switch *storeType {
	case "bolt":
		boltDB, err := customer.NewBoltDB(*dbPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		db = boltDB
	case "postgres":
		if *postgresDSN == "" {
			slog.Error("Postgres DSN is required. Set --postgres-dsn flag or OUTREACH_POSTGRES_DSN environment variable")
			os.Exit(1)
		}
		pgDB, err := customer.NewPostgresDB(ctx, *postgresDSN)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		db = pgDB
	default:
		slog.Error("Invalid store type", "type", *storeType, "valid", "bolt or postgres")
		os.Exit(1)
	}
	defer db.Close()

	// Initialize extractor based on type
	var extractor scanning.Extractor
	var err error
	switch *extractorType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini extractor...", "model", *geminiModel)
		extractor, err = scanning.NewGemini(apiKey, *geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", *ollamaURL, "model", *ollamaModel)
		extractor, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
	default:
		slog.Error("Invalid extractor type", "type", *extractorType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize extractor", "type", *extractorType, "error", err)
		os.Exit(1)
	}
	extractor = scanning.NewRetrying(extractor, uint64(max(*maxRetries, 0)), *extractTimeout)
	defer extractor.Close()

	// Initialize extraction cache; redis sits in front of the database when configured
	var tiers []cache.Tier
	if *redisAddr != "" {
		slog.Info("Initializing redis cache...", "address", *redisAddr)
		redisTier, err := cache.NewRedisTier(ctx, *redisAddr, *cacheWindow)
		if err != nil {
			slog.Error("Failed to initialize redis", "error", err)
			os.Exit(1)
		}
		defer redisTier.Close()
		tiers = append(tiers, cache.Tier{Name: "redis", Store: redisTier})
	}
	tiers = append(tiers, cache.Tier{Name: *storeType, Store: db})
	extractions := cache.New(cache.Config{Size: *cacheSize, Window: *cacheWindow}, tiers...)

	// Initialize authenticator
	var auth *intake.Authenticator
	switch {
	case *jwksURL != "":
		auth, err = intake.NewJWKSAuthenticator(ctx, *jwksURL)
		if err != nil {
			slog.Error("Failed to initialize JWKS", "url", *jwksURL, "error", err)
			os.Exit(1)
		}
	case *jwtSecret != "":
		auth = intake.NewHMACAuthenticator([]byte(*jwtSecret))
	default:
		slog.Error("Authentication is required. Set --jwt-secret or --jwks-url")
		os.Exit(1)
	}

	service := intake.NewService(db, extractor, extractions, *defaultLanguage)
	server := intake.NewServer(service, auth)

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shut down")
}

// setupLogging installs the default slog handler
func setupLogging(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
