// Command recorder is the recording engine's process bootstrap: it loads
// configuration, opens the recording index, wires the mix-tick manager, and
// serves the recording HTTP surface until a SIGINT/SIGTERM asks it to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/tsvoicebot/recorder/config"
	"github.com/tsvoicebot/recorder/internal/recording"
	"github.com/tsvoicebot/recorder/internal/recording/httpstream"
	"github.com/tsvoicebot/recorder/internal/recording/identity"
	"github.com/tsvoicebot/recorder/internal/recording/index"
	"github.com/tsvoicebot/recorder/internal/recording/mixer"
	"github.com/tsvoicebot/recorder/pkg/commons"
	"github.com/tsvoicebot/recorder/pkg/connectors"
)

// shutdownTimeout bounds how long graceful shutdown waits for in-flight HTTP
// requests (notably a live tail-follow stream) to drain.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Println("recorder: " + err.Error())
		panic(err)
	}
}

func run() error {
	v, err := config.InitConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("decode recording config: %w", err)
	}

	logger, err := commons.NewApplicationLogger(
		commons.Name("recorder"),
		commons.Path(cfg.LogPath),
		commons.Level(cfg.LogLevel),
	)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConnector, err := connectors.NewDBConnector(cfg.IndexDriver, cfg.IndexDSN)
	if err != nil {
		return fmt.Errorf("open recording index: %w", err)
	}
	db := dbConnector.DB(ctx)
	if err := index.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate recording index: %w", err)
	}
	store := index.NewStore(db)

	redisClient := connectors.NewRedisConnector(cfg.RedisAddr)

	encoder, err := mixer.NewOpusEncoder(48000, 2, cfg.BitrateKbps)
	if err != nil {
		return fmt.Errorf("init opus encoder: %w", err)
	}

	roster := identity.NewRoster()
	const botID uint64 = 1

	mgr := recording.New(cfg, logger, roster, store, encoder, redisClient, botID)
	if err := mgr.Recover(ctx); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	mgr.Start()
	defer mgr.Shutdown()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())
	handlers := httpstream.New(cfg.Path, store, mgr, logger, botID)
	handlers.Register(engine.Group(cfg.HTTPMount))

	srv := &http.Server{Addr: ":8090", Handler: engine}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("recorder: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
