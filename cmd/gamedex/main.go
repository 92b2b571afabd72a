package main

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/baggage"

	"github.com/jfellows/gamedex/internal/catalog"
	"github.com/jfellows/gamedex/internal/config"
	"github.com/jfellows/gamedex/internal/db"
	"github.com/jfellows/gamedex/internal/importer"
	"github.com/jfellows/gamedex/internal/logging"
	"github.com/jfellows/gamedex/internal/provider"
	syncengine "github.com/jfellows/gamedex/internal/sync"
	"github.com/jfellows/gamedex/internal/tracing"
)

var cfg *config.Config

func main() {
	ctx := context.Background()

	// Set global baggage
	m, _ := baggage.NewMember("app.version", "1.0.0")
	b, _ := baggage.New(m)
	ctx = baggage.ContextWithBaggage(ctx, b)

	// Load config
	var err error
	cfg, err = config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.DefaultConfig()
	}

	// Setup Logging
	logging.Setup(logging.Config{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})

	// Setup Tracing
	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})
	if err != nil {
		logging.Error("failed to setup tracing", "error", err)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			logging.Error("failed to shutdown tracing", "error", err)
		}
	}()

	// Parse global flags (--json, --quiet)
	args := parseGlobalFlags(os.Args[1:])

	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "seed":
		handleSeedCommand(ctx, args[1:])
	case "sync":
		handleSyncCommand(ctx, args[1:])
	case "search":
		if len(args) < 2 {
			fmt.Println("Usage: gamedex search <query> [options]")
			os.Exit(1)
		}
		handleSearchCommand(ctx, args[1:])
	case "import":
		if len(args) < 2 {
			fmt.Println("Usage: gamedex import <command>")
			fmt.Println("Commands: start, status, wait")
			os.Exit(1)
		}
		handleImportCommand(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("gamedex - Game Catalog Sync")
	fmt.Println()
	fmt.Println("Usage: gamedex [global options] <command> [options]")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --json                                Output in JSON format")
	fmt.Println("  --quiet, -q                           Suppress non-error output")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  seed --mode popular [--limit N]       Seed catalog from popularity feeds")
	fmt.Println("  seed --mode query --query Q           Seed catalog from a search query")
	fmt.Println("  seed --mode tag --tag T               Seed catalog for a genre/platform tag")
	fmt.Println("  seed --mode new [--lookback-days N]   Seed catalog from recent releases")
	fmt.Println("  sync --mode stale|new|full            Refresh stale entries / pull new releases")
	fmt.Println("  search <query> [--auto-sync]          Search the catalog, optionally topping up")
	fmt.Println("  import start --user U [--platform P]  Start a library import job")
	fmt.Println("  import status <job-id>                Show import job status")
	fmt.Println("  import wait <job-id>                  Wait for an import job to finish")
	fmt.Println("  help                                  Show this help")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  GAMEDEX_DB                            Database path (default: gamedex.db)")
	fmt.Println("  IGDB_CLIENT_ID / IGDB_CLIENT_SECRET   IGDB (Twitch) credentials")
	fmt.Println("  RAWG_API_KEY                          RAWG fallback provider key")
	fmt.Println("  STEAM_API_KEY                         Steam library import key")
}

func openDB(ctx context.Context) (*db.DB, error) {
	return db.Open(ctx, cfg.GetDBPath())
}

// buildChain wires the configured providers in priority order. IGDB leads
// when credentials are present; RAWG joins as the fallback.
func buildChain() (*provider.Chain, error) {
	var (
		clients       []provider.Client
		authoritative []bool
	)

	if cfg.IGDB.ClientID != "" && cfg.IGDB.ClientSecret != "" {
		budget := provider.NewBudget(catalog.ProviderIGDB,
			cfg.IGDB.MaxPerWindow, cfg.IGDB.Window, cfg.IGDB.MaxWait)
		igdb, err := provider.NewIGDBClient(cfg.IGDB.ClientID, cfg.IGDB.ClientSecret, budget)
		if err != nil {
			return nil, err
		}
		clients = append(clients, igdb)
		authoritative = append(authoritative, cfg.IGDB.Authoritative)
	}
	if cfg.RAWG.APIKey != "" {
		budget := provider.NewBudget(catalog.ProviderRAWG,
			cfg.RAWG.MaxPerWindow, cfg.RAWG.Window, cfg.RAWG.MaxWait)
		rawg, err := provider.NewRAWGClient(cfg.RAWG.APIKey, budget)
		if err != nil {
			return nil, err
		}
		clients = append(clients, rawg)
		authoritative = append(authoritative, cfg.RAWG.Authoritative)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no providers configured: set IGDB_CLIENT_ID/IGDB_CLIENT_SECRET or RAWG_API_KEY")
	}
	return provider.NewChain(clients, authoritative), nil
}

// buildEngine opens the database and wires the full sync stack. The caller
// closes the returned database.
func buildEngine(ctx context.Context) (*db.DB, *catalog.Repository, *syncengine.Engine, error) {
	database, err := openDB(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	chain, err := buildChain()
	if err != nil {
		_ = database.Close()
		return nil, nil, nil, err
	}
	repo := catalog.NewRepository(database)
	return database, repo, syncengine.New(repo, chain, cfg.Sync), nil
}

// buildImporter wires the import manager over the sync stack.
func buildImporter(database *db.DB, repo *catalog.Repository, engine *syncengine.Engine) (*importer.Manager, error) {
	var clients []importer.LibraryClient
	if cfg.Import.SteamAPIKey != "" {
		steam, err := importer.NewSteamLibrary(cfg.Import.SteamAPIKey)
		if err != nil {
			return nil, err
		}
		clients = append(clients, steam)
	}

	byUser := make(map[string][]importer.LinkedAccount)
	for _, account := range cfg.Import.Accounts {
		byUser[account.UserID] = append(byUser[account.UserID], importer.LinkedAccount{
			ID:       account.ID,
			Platform: account.Platform,
			Username: account.Username,
		})
	}
	source := importer.NewStaticAccountSource(byUser)
	return importer.NewManager(database, repo, engine, source, clients, cfg.Import), nil
}
