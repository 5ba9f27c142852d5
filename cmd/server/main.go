package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"

	"github.com/dpup/prefab"
	"github.com/dpup/prefab/logging"
	"github.com/joho/godotenv"

	"github.com/busmap/server/internal/clients/devicefeed"
	"github.com/busmap/server/internal/clients/google"
	"github.com/busmap/server/internal/clients/nominatim"
	"github.com/busmap/server/internal/clients/osrm"
	"github.com/busmap/server/internal/config"
	"github.com/busmap/server/internal/lib/stitch"
	"github.com/busmap/server/internal/metrics"
	"github.com/busmap/server/internal/services"
	"github.com/busmap/server/internal/store"
	"github.com/busmap/server/internal/store/gtfsimport"
	"github.com/busmap/server/internal/store/memory"
	"github.com/busmap/server/internal/store/postgres"
)

func main() {
	// A missing .env file is fine; real deployments set the environment directly
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	appConfig := loadConfig()
	ctx := logging.EnsureLogger(context.Background())

	backend, err := openCatalog(ctx, appConfig.Store)
	if err != nil {
		log.Fatalf("Failed to open %s catalog: %v", appConfig.Store.Kind, err)
	}
	catalog := store.NewCached(backend, appConfig.Store.Kind, appConfig.Store.RefreshInterval)
	catalog.StartPeriodicCleanup(ctx)

	stations := store.NewStationIndex(nil)
	periodicRefresh := services.NewPeriodicRefreshService(catalog, stations, appConfig.Store.RefreshInterval)
	periodicRefresh.StartPeriodicRefresh(ctx)
	catalog.OnInvalidate(func() { go periodicRefresh.Refresh(ctx) })

	collector := metrics.NewCollector()

	deps := services.Deps{
		Catalog:  catalog,
		Stations: stations,
		Router:   newRouter(appConfig.Router),
		Geocoder: nominatim.NewClient(appConfig.Geocoder),
		Metrics:  collector,
	}

	var apiOpts []services.APIOption
	if appConfig.Devices.URL != "" {
		feed, err := devicefeed.Connect(appConfig.Devices)
		if err != nil {
			log.Fatalf("Failed to connect device feed: %v", err)
		}
		defer feed.Close()

		hub := devicefeed.NewHub(feed)
		if err := hub.Start(); err != nil {
			log.Fatalf("Failed to start device hub: %v", err)
		}
		defer hub.Stop()

		if _, err := catalog.SubscribeInvalidation(feed.Conn(), appConfig.Store.InvalidationSubject); err != nil {
			log.Fatalf("Failed to subscribe to catalog updates: %v", err)
		}

		deps.Devices = feed
		apiOpts = append(apiOpts, services.WithFixReporter(hub))
		log.Printf("Device feed connected at %s", appConfig.Devices.URL)
	} else {
		log.Printf("Device feed disabled; location acquisition is unavailable")
	}
	apiOpts = append(apiOpts, services.WithCORS(appConfig.Server.CorsOrigins))

	engine := services.NewEngine(appConfig, deps)
	api := services.NewAPI(engine, apiOpts...)

	log.Printf("BusMap API server starting")
	log.Printf("Catalog: %s, router: %s, ranking: %s", appConfig.Store.Kind, appConfig.Router.Provider, appConfig.Matcher.Ranking)

	var metricsHandler http.HandlerFunc = http.NotFound
	if appConfig.Server.Metrics {
		metricsHandler = collector.Handler().ServeHTTP
	}

	server := prefab.New(serverOptions(api, metricsHandler)...)

	// Blocks until shutdown
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	periodicRefresh.Stop()
}

// serverOptions mounts the homepage, the API and metrics on the prefab server
func serverOptions(api *services.API, metricsHandler http.HandlerFunc) []prefab.ServerOption {
	return []prefab.ServerOption{
		prefab.WithHTTPHandlerFunc("/", homepageHandler),
		prefab.WithHTTPHandlerFunc(services.APIPrefix+"/", api.Router().ServeHTTP),
		prefab.WithHTTPHandlerFunc("/metrics", metricsHandler),
	}
}

// loadConfig reads the busmap section of Prefab's config (prefab.yaml and PF__
// environment variables) over the defaults
func loadConfig() *config.Config {
	appConfig := config.DefaultConfig()
	if err := prefab.Config.Unmarshal("busmap", appConfig); err != nil {
		log.Fatalf("Failed to unmarshal busmap section: %v", err)
	}
	if err := appConfig.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	return appConfig
}

func openCatalog(ctx context.Context, cfg config.StoreConfig) (store.DataStore, error) {
	switch cfg.Kind {
	case config.StoreYAML:
		return memory.LoadFile(cfg.Path)
	case config.StoreGTFS:
		return gtfsimport.Load(ctx, cfg.Path)
	case config.StorePostgres:
		db, err := postgres.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		pg := postgres.New(db)
		if err := pg.Ping(ctx); err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return memory.NewSeeded(), nil
	}
}

func newRouter(cfg config.RouterConfig) stitch.RoutingService {
	if cfg.Provider == config.ProviderGoogle {
		return google.NewClient(cfg.GoogleAPIKey)
	}
	return osrm.NewClient(cfg.OSRMURL)
}

// homepageHandler serves a short plain-text index of the API at the server root
func homepageHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	index := `BusMap API

GET  /api/v1/route?from=lat,lng&to=lat,lng        direct bus route with stitched path
POST /api/v1/paths                                 stitch waypoints onto roads
GET  /api/v1/lines                                 bus line catalog
GET  /api/v1/lines/{id}/path[.kml|.geojson]        whole line geometry
GET  /api/v1/stations/nearby?at=lat,lng&radius=m   stations near a point
GET  /api/v1/search?q=text&near=lat,lng            places, stations and lines
POST /api/v1/devices/{id}/location                 acquire a device position
POST /api/v1/devices/{id}/fixes                    report a device position
GET  /metrics                                      Prometheus metrics
`
	if _, err := fmt.Fprint(w, index); err != nil {
		slog.Error("Failed to write homepage", "error", err)
	}
}
