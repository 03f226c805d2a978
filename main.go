package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/flock"

	"xquery/internal/api"
	"xquery/internal/cache"
	"xquery/internal/config"
	"xquery/internal/controller"
	"xquery/internal/eth"
	"xquery/internal/event"
	"xquery/internal/repository"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	ctx := context.Background()

	// 1. Config
	configPath := os.Getenv("XQ_CONFIG")
	if configPath == "" {
		if _, err := os.Stat("xquery.yaml"); err == nil {
			configPath = "xquery.yaml"
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	deployment, err := cfg.ResolveDeployment()
	if err != nil {
		log.Fatalf("Failed to resolve deployment: %v", err)
	}

	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = deployment.DefaultAPIURL
	}

	log.Printf("Initializing XQuery (%s, %s mode, build %s)", deployment.Name, cfg.Mode, BuildCommit)
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Node: %s", apiURL)
	log.Printf("Workers: %d, chunk size: %d (max %d)", cfg.NumWorkers, cfg.ChunkSize, cfg.MaxChunkSize)

	// 2. Single instance lock
	pidLock := flock.New(fmt.Sprintf("xquery.%s.pid", deployment.Name))
	locked, err := pidLock.TryLock()
	if err != nil {
		log.Fatalf("Failed to acquire pid lock: %v", err)
	}
	if !locked {
		fmt.Println("Already running. Exiting.")
		os.Exit(1)
	}
	defer pidLock.Unlock()

	// 3. Database
	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer repo.Close()

	// Auto-migration (skip with SKIP_MIGRATION=true once the schema is managed externally)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Printf("Database migration skipped (SKIP_MIGRATION=true)")
	} else {
		schemaPath := os.Getenv("XQ_SCHEMA")
		if schemaPath == "" {
			schemaPath = "internal/repository/schema.sql"
		}
		if err := repo.Migrate(ctx, schemaPath); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	}

	// 4. Cache
	var cacheSvc cache.Cache
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to set up redis cache: %v", err)
		}
		cacheSvc = redisCache
	} else {
		log.Printf("No redis url configured, using the in-process cache")
		cacheSvc = cache.NewMemory()
	}

	// Interned entries from a previous run may predate a cursor rewind.
	if err := cacheSvc.Ping(ctx); err != nil {
		log.Fatalf("Failed to reach cache: %v", err)
	}
	if err := cacheSvc.Flush(ctx); err != nil {
		log.Fatalf("Failed to flush cache: %v", err)
	}

	// 5. Chain client
	client, err := eth.Dial(ctx, apiURL, eth.ClientConfig{
		Timeout: 120 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to node: %v", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		log.Fatalf("Failed to query chain id: %v", err)
	}
	if want := deployment.Chain.ID(); chainID != want {
		log.Fatalf("Node serves chain id %d, deployment %s requires %d", chainID, deployment.Name, want)
	}

	// 6. Pipeline
	factoryAddr := common.HexToAddress(deployment.Factory)
	routerAddr := common.HexToAddress(deployment.Router)
	entities := repo.Entities(client, cacheSvc)

	var (
		filter     event.Filter
		newIndexer func() event.Indexer
		stages     []event.StageInfo
		startBlock uint64
	)

	switch cfg.Mode {
	case "exchange":
		// Seed the filter with the pairs of previous runs, it discovers the
		// rest from PairCreated events while scanning.
		pairs, err := repo.Pairs(ctx)
		if err != nil {
			log.Fatalf("Failed to load pair addresses: %v", err)
		}
		addresses := make([]common.Address, 0, len(pairs))
		for _, pair := range pairs {
			addresses = append(addresses, common.HexToAddress(pair.Address))
		}
		log.Printf("Tracking %d known pair contracts", len(addresses))

		filter = event.NewExchangeFilter(client, factoryAddr, addresses)

		pairWait := time.Duration(cfg.PairWaitDeadline) * time.Second
		newIndexer = func() event.Indexer {
			return event.NewExchangeIndexer(client, entities, factoryAddr, routerAddr, pairWait)
		}

		bundleCfg := event.PangolinBundleConfig()
		bundleBatch := uint64(1024 * 20)
		if deployment.Name == "pegasys" {
			bundleCfg = event.PegasysBundleConfig()
			bundleBatch = 1024 * 10
		}

		stages = []event.StageInfo{
			{Name: "bundle", Stage: event.NewBundleStage(repo, bundleCfg), BatchSize: bundleBatch},
			{Name: "count", Stage: event.NewCountStage(repo, deployment.Factory)},
		}
		if cfg.StatsEnabled {
			stages = append(stages, event.StageInfo{
				Name:      "stats",
				Stage:     event.NewStatsStage(repo, cacheSvc),
				BatchSize: 1024 * 10,
			})
		}

		startBlock = deployment.FactoryBlock

	case "router":
		// Flat event rows only, no processor stages.
		filter = event.NewRouterFilter(client, routerAddr)
		newIndexer = func() event.Indexer {
			return event.NewRouterIndexer(client, cacheSvc, deployment.Chain)
		}
		startBlock = deployment.RouterBlock

	default:
		log.Fatalf("Unknown mode %q", cfg.Mode)
	}

	ctrl, err := controller.New(controller.Config{
		Client:       client,
		Store:        repo,
		Filter:       filter,
		NewIndexer:   newIndexer,
		Stages:       stages,
		Workers:      cfg.NumWorkers,
		ChunkSize:    cfg.ChunkSize,
		MaxChunkSize: cfg.MaxChunkSize,
		SafetyBlocks: cfg.SafetyBlocks,
		RewindBlocks: cfg.RewindBlocks,
		TargetSleep:  time.Duration(cfg.TargetSleep) * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to set up controller: %v", err)
	}

	// 7. HTTP API
	var apiServer *api.Server
	if cfg.APIPort > 0 {
		api.BuildCommit = BuildCommit
		apiServer = api.New(repo, client, cacheSvc, api.Config{
			Port:       cfg.APIPort,
			Secret:     cfg.APISecret,
			Deployment: deployment.Name,
			Mode:       cfg.Mode,
			Workers:    cfg.NumWorkers,
			Factory:    deployment.Factory,
		})
		go func() {
			if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("API server failed: %v", err)
			}
		}()
	} else {
		log.Printf("HTTP API disabled (api_port is 0)")
	}

	// 8. Run until a signal or a fatal pipeline error stops the loop
	ctrl.Start(ctx)

	runErr := ctrl.Run(ctx, startBlock, 0)
	if stopErr := ctrl.Stop(); runErr == nil {
		runErr = stopErr
	}

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API shutdown failed: %v", err)
		}
		cancel()
	}

	if runErr != nil {
		log.Fatalf("Indexing failed: %v", runErr)
	}
	log.Printf("Done")
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Secrets can also hide in query params, keep scheme/host/path only.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)(\S+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
