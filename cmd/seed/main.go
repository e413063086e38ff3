package main

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"flag"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/smart-order/internal/adapter/storage"
	"github.com/rl1809/smart-order/internal/config"
	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/core/service"
	"github.com/rl1809/smart-order/internal/logging"
	"github.com/rl1809/smart-order/internal/port"
)

//go:embed menu.json
var menuJSON []byte

type menuSeed struct {
	Categories []domain.Category `json:"categories"`
	Items      []domain.MenuItem `json:"items"`
}

func main() {
	skipTables := flag.Bool("skip-tables", false, "only seed the menu")
	skipMenu := flag.Bool("skip-menu", false, "only seed the tables")
	flag.Parse()

	cfg := config.Parse()
	log := logging.New(cfg.LogLevel)
	if err := cfg.DB.Validate(); err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.DB.Driver == config.DriverMemory {
		log.Error("nothing to seed: the in-memory store is created empty on every start")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := sql.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		log.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Error("failed to ping database", "err", err)
		os.Exit(1)
	}

	store, err := storage.NewSQLAdapter(db, cfg.DB.Driver)
	if err != nil {
		log.Error("failed to create store", "err", err)
		os.Exit(1)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Error("failed to migrate", "err", err)
		os.Exit(1)
	}

	// Redis is optional here: with it, cached menu items are evicted and
	// running servers see the new rows immediately.
	var (
		cache port.CacheRepository
		feed  port.ChangeFeed
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, seeding without cache eviction", "err", err)
		} else {
			adapter := storage.NewRedisAdapter(rdb)
			cache, feed = adapter, adapter
		}
	}

	if !*skipTables {
		tables := service.NewTableService(store, store, feed, nil, log)
		created, err := tables.SetupTables(ctx, domain.DefaultAreas())
		if err != nil {
			log.Error("failed to set up tables", "err", err)
			os.Exit(1)
		}
		log.Info("tables seeded", "created", created)
	}

	if !*skipMenu {
		var seed menuSeed
		if err := json.Unmarshal(menuJSON, &seed); err != nil {
			log.Error("invalid embedded menu", "err", err)
			os.Exit(1)
		}
		menu := service.NewMenuService(store, cache, feed, log)
		if err := menu.Seed(ctx, seed.Categories, seed.Items); err != nil {
			log.Error("failed to seed menu", "err", err)
			os.Exit(1)
		}
	}
}
