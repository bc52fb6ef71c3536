package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/castworks/cw-studio/internal/api"
	"github.com/castworks/cw-studio/internal/assets"
	"github.com/castworks/cw-studio/internal/config"
	"github.com/castworks/cw-studio/internal/crypto"
	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/destinations"
	"github.com/castworks/cw-studio/internal/encoder"
	"github.com/castworks/cw-studio/internal/events"
	"github.com/castworks/cw-studio/internal/health"
	"github.com/castworks/cw-studio/internal/mediaserver"
	"github.com/castworks/cw-studio/internal/metrics"
	"github.com/castworks/cw-studio/internal/ptz"
	"github.com/castworks/cw-studio/internal/ratelimit"
	"github.com/castworks/cw-studio/internal/relay"
	"github.com/castworks/cw-studio/internal/router"
	"github.com/castworks/cw-studio/internal/schedule"
	"github.com/castworks/cw-studio/internal/settings"
	"github.com/castworks/cw-studio/internal/store"
	"github.com/castworks/cw-studio/internal/timeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("server: %v", err)
	}
	log.Println("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Storage
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	keyring := crypto.NewKeyring()
	if err := keyring.LoadFromEnv(); err != nil {
		return fmt.Errorf("keyring: %w", err)
	}

	models := data.NewModels(db)
	cache := store.NewCache(rdb, models, 0)
	positions := store.NewPositionStore()

	// Event bus, optionally mirrored to NATS for off-box consumers.
	bus := events.NewBus()
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("cw-studio"))
		if err != nil {
			log.Printf("nats connect: %v, event mirror disabled", err)
		} else {
			defer nc.Close()
			bus.SetMirror(events.NewNATSMirror(nc))
		}
	}

	// Local RTMP/HLS sidecar. Its config lists every camera mount plus
	// the preview path.
	cameras, err := models.Cameras.List(ctx)
	if err != nil {
		return fmt.Errorf("list cameras: %w", err)
	}
	var cameraIDs []int64
	for _, cam := range cameras {
		if cam.Enabled {
			cameraIDs = append(cameraIDs, cam.ID)
		}
	}

	msConfigPath, err := mediaserver.WriteConfig(cfg.MediaServer.ConfigDir, mediaserver.Options{
		RTMPPort:  cfg.Relay.Port,
		HLSPort:   cfg.Preview.HLSPort,
		APIPort:   cfg.Preview.APIPort,
		CameraIDs: cameraIDs,
	})
	if err != nil {
		return fmt.Errorf("media server config: %w", err)
	}
	media := mediaserver.New(cfg.MediaServer.Binary, msConfigPath, cfg.Preview.APIPort, cfg.Preview.HLSPort)
	if err := media.Start(ctx); err != nil {
		return fmt.Errorf("media server: %w", err)
	}
	defer media.Stop()

	// Relay pool: one ffmpeg stream copy per enabled camera.
	relayDriver := encoder.NewDriver(cfg.Encoder.Binary, cfg.Encoder.StartupTimeout, cfg.Encoder.StopGrace)
	pool := relay.NewPool(
		rtspDirectory{models: models, keyring: keyring},
		relay.DriverLauncher{Driver: relayDriver},
		bus,
		cfg.RelayURL,
	)
	pool.StartAll(ctx, cameras)
	defer pool.StopAll()

	// PTZ
	ptzCtrl := ptz.NewController(ptz.Config{
		DeviceURL:    cfg.ONVIF.DeviceURL,
		ProbeTimeout: cfg.ONVIF.ProbeTimeout,
		OpTimeout:    cfg.ONVIF.OpTimeout,
		SettleDelay:  cfg.ONVIF.SettleDelay,
		Debug:        cfg.ONVIF.Debug,
	}, models.Cameras, keyring)

	// Health monitor
	monitor := health.NewMonitor(health.Config{
		Interval:   cfg.Health.Interval,
		ONVIFEvery: cfg.Health.ONVIFEvery,
	}, models.Cameras, keyring, pool, ptzCtrl, bus)
	monitor.Start()
	defer monitor.Stop()

	// Assets
	library := assets.NewLibrary(cfg.UploadsDir, models.Assets)
	assets.NewWatcher(library, bus).Start(ctx)
	refresher := assets.NewRefresher(library)
	if err := refresher.Sync(ctx); err != nil {
		log.Printf("asset refresher: %v", err)
	}
	defer refresher.StopAll()

	// Timeline executor over the program encoder.
	programDriver := encoder.NewDriver(cfg.Encoder.Binary, cfg.Encoder.StartupTimeout, cfg.Encoder.StopGrace)
	runner := timeline.NewRunner(
		timeline.Config{StartupTimeout: cfg.Encoder.StartupTimeout, StopGrace: cfg.Encoder.StopGrace},
		timeline.DriverLauncher{Driver: programDriver},
		ptzCtrl,
		pool,
		bus,
		positions,
		timeline.BuildOptions{
			RelayURL:     cfg.RelayURL,
			AssetPath:    library.ResolvePath,
			VideoEncoder: encoder.ProbeVideoEncoder(cfg.Encoder.Binary),
		},
	)

	// Destinations
	tokenSource := destinations.NewStoredTokenSource(models, keyring,
		destinations.NewOAuthRefresher(cfg.YouTube.ClientID, cfg.YouTube.ClientSecret))
	destService := destinations.NewService(models, keyring, destinations.NewClient(), tokenSource, bus)
	watchdog := destinations.NewWatchdog(destService, bus, 0, 0)
	defer watchdog.StopAll()

	// Router
	loader := catalogLoader{models: models, cache: cache}
	streamRouter := router.New(
		router.RunnerStarter{Runner: runner},
		loader,
		media,
		destService,
		bus,
		positions,
		cfg.PreviewURL(),
		cfg.PreviewHLSURL(),
	)
	defer streamRouter.Stop()

	// Schedules
	settingsSvc := settings.NewService(db, cache)
	evaluator := schedule.NewEvaluator(models.Schedules, settingsSvc, streamRouter, 0)
	evaluator.Start()
	defer evaluator.Stop()

	// Metrics
	collector := metrics.NewCollector(bus, positions)

	// HTTP API
	apiServer := api.NewServer(api.Config{
		CORSAllowOrigins: cfg.API.CORSAllowOrigins,
		HLSTokenSecret:   cfg.API.HLSTokenSecret,
		HLSUpstream:      media.HLSBase(),
		PTZLimit:         ratelimit.Config{Rate: 30, Window: time.Minute},
	}, streamRouter, ptzCtrl, models.Presets, destService, bus, collector.Handler(), ratelimit.NewLimiter(rdb))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.API.Port),
		Handler: apiServer.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		collector.Start(gctx)
		return nil
	})
	g.Go(func() error {
		watchDestinations(gctx, bus, watchdog)
		return nil
	})
	g.Go(func() error {
		log.Printf("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// watchDestinations bridges bus events to the destination watchdog: a
// destination reconciled to ready gets a polling loop, leaving live
// mode stops them all.
func watchDestinations(ctx context.Context, bus *events.Bus, watchdog *destinations.Watchdog) {
	ch, cancel := bus.Subscribe(64, events.KindDestinationStatus, events.KindRouterModeChanged)
	defer cancel()

	for {
		select {
		case ev := <-ch:
			switch payload := ev.Payload.(type) {
			case destinations.StatusInfo:
				if payload.Result == destinations.ResultReady {
					watchdog.Watch(payload.DestinationID)
				}
			case router.ModeChange:
				if payload.To != router.ModeLive {
					watchdog.StopAll()
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// rtspDirectory resolves camera ids to authenticated RTSP URLs for the
// relay pool. Passwords stay encrypted at rest and never leave this
// adapter except inside the URL handed to ffmpeg.
type rtspDirectory struct {
	models  data.Models
	keyring *crypto.Keyring
}

func (d rtspDirectory) RTSPSource(ctx context.Context, cameraID int64) (string, error) {
	cam, err := d.models.Cameras.GetByID(ctx, cameraID)
	if err != nil {
		return "", err
	}
	password, err := d.models.Cameras.GetPassword(ctx, d.keyring, cameraID)
	if err != nil {
		return "", err
	}
	return cam.RTSPURL(password), nil
}

// catalogLoader combines the timeline rows with the read-through cache
// for the entities they reference.
type catalogLoader struct {
	models data.Models
	cache  *store.Cache
}

func (l catalogLoader) Load(ctx context.Context, timelineID int64) (*data.Timeline, *timeline.Catalog, error) {
	tl, err := l.models.Timelines.GetByID(ctx, timelineID)
	if err != nil {
		return nil, nil, err
	}
	cat, err := timeline.LoadCatalog(ctx, entitySource{l}, tl)
	if err != nil {
		return nil, nil, err
	}
	return tl, cat, nil
}

type entitySource struct {
	catalogLoader
}

func (s entitySource) Camera(ctx context.Context, id int64) (*data.Camera, error) {
	return s.cache.Camera(ctx, id)
}

func (s entitySource) Asset(ctx context.Context, id int64) (*data.Asset, error) {
	return s.cache.Asset(ctx, id)
}

func (s entitySource) Preset(ctx context.Context, id int64) (*data.Preset, error) {
	return s.models.Presets.GetByID(ctx, id)
}
