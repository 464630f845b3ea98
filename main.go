// simap_sync harvests public procurement tenders from the SIMAP API into
// Postgres. It is meant to run as a daily cron job: search results are
// upserted page by page with checkpointed resume, statuses follow the
// publication deadlines, and publication details are fetched with bounded
// concurrency.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tenderscout/simap_sync/harvest"
	"github.com/tenderscout/simap_sync/models"
	"github.com/tenderscout/simap_sync/simap"
	"github.com/tenderscout/simap_sync/store"
)

type Config struct {
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	SimapBaseURL string        `env:"SIMAP_BASE_URL" envDefault:"https://www.simap.ch"`
	HTTPTimeout  time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
}

func (c Config) dsn() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatal("config parse error: ", err)
	}

	var types stringList
	flag.Var(&types, "type", "project sub-type to sync, repeatable (default: all)")
	days := flag.Int("days", 0, "only fetch publications from the last N days")
	limit := flag.Int("limit", 0, "max tenders to fetch (0 = unlimited)")
	detailsLimit := flag.Int("details-limit", 0, "max details to fetch (0 = unlimited)")
	skipDetails := flag.Bool("skip-details", false, "skip fetching publication details")
	detailsOnly := flag.Bool("details-only", false, "only fetch details, skip project search")
	refreshDetails := flag.Bool("refresh-details", false, "re-fetch details even when already present")
	rateLimit := flag.Duration("rate-limit", 500*time.Millisecond, "delay between detail fetch windows")
	maxConcurrent := flag.Int("max-concurrent", 10, "max concurrent detail API calls")
	resume := flag.Bool("resume", false, "resume from the last interrupted checkpoint")
	noCheckpoint := flag.Bool("no-checkpoint", false, "disable checkpoint saving")
	dryRun := flag.Bool("dry-run", false, "preview without database writes")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	db, err := gorm.Open(postgres.Open(cfg.dsn()), &gorm.Config{})
	if err != nil {
		log.Fatal("db access error ", err)
	}

	if err := migrate(db); err != nil {
		log.Fatal("migration error ", err)
	}

	client := simap.NewClient(simap.Options{
		BaseURL: cfg.SimapBaseURL,
		Timeout: cfg.HTTPTimeout,
	})

	worker := harvest.New(client, store.NewTenders(db), store.NewCheckpoints(db), harvest.Options{
		Source:          "simap",
		SourceURLBase:   cfg.SimapBaseURL,
		ProjectSubTypes: types,
		DaysBack:        *days,
		SwissOnly:       true,
		Limit:           *limit,
		FetchDetails:    !*skipDetails,
		RefreshDetails:  *refreshDetails,
		DetailsLimit:    *detailsLimit,
		DetailDelay:     *rateLimit,
		MaxConcurrent:   *maxConcurrent,
		Resume:          *resume,
		Checkpoints:     !*noCheckpoint,
		DryRun:          *dryRun,
		Retry: harvest.RetryPolicy{
			MaxAttempts: 3,
			Delay:       2 * time.Second,
			Retryable:   simap.IsRetryable,
		},
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var stats harvest.Stats
	if *detailsOnly {
		stats, err = worker.EnrichOnly(ctx)
	} else {
		stats, err = worker.Run(ctx)
	}
	if err != nil {
		logger.Warn("run aborted", "err", err)
	}

	if stats.Errors > 0 {
		os.Exit(1)
	}
}

func migrate(db *gorm.DB) error {
	for _, model := range []any{&models.Tender{}, &models.SyncState{}} {
		if db.Migrator().HasTable(model) {
			continue
		}
		if err := db.Migrator().CreateTable(model); err != nil {
			return err
		}
	}
	return nil
}
