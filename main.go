// Program tagstream wires together the tag ingestion pipeline: the WebSocket
// scanner server, the session registry with per-session duplicate
// suppression, the Pebble asset catalog behind the expiring cache, the SQLite
// session recorder, and the optional MQTT telemetry publisher.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"tagstream/cache"
	"tagstream/config"
	"tagstream/lookup"
	"tagstream/recorder"
	"tagstream/server"
	"tagstream/session"
	"tagstream/stats"
	"tagstream/telemetry"
)

const (
	defaultConfigPath = "data/config.yaml"
	envConfigPath     = "TAGSTREAM_CONFIG_PATH"

	statsInterval = 5 * time.Minute
)

func main() {
	configPath := flag.String("config", configPathDefault(), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	log.SetFlags(0) // the fanout stamps every line itself
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("Logging: file sink unavailable: %v", logErr)
	}

	log.Println("Starting tagstream...")
	cfg.Print()

	// Cache pools. The lookup pool always exists; extra pools come from config.
	pools := cache.New()
	pools.RegisterPool(cache.PoolOptions{Name: cfg.Session.CachePool})
	for _, p := range cfg.Cache.Pools {
		pools.RegisterPool(cache.PoolOptions{
			Name:       p.Name,
			MaxEntries: p.MaxEntries,
			DefaultTTL: time.Duration(p.DefaultTTLSeconds) * time.Second,
		})
	}

	// Asset catalog.
	if cfg.Store.Path == "" {
		fmt.Fprintln(os.Stderr, "No asset catalog configured (store.path); nothing to resolve tags against")
		os.Exit(1)
	}
	store, err := lookup.OpenStore(cfg.Store.Path, lookup.StoreOptions{})
	if err != nil {
		log.Printf("Failed to open asset catalog: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	registry, err := session.NewRegistry(session.Config{
		Resolver:      store,
		LookupTimeout: cfg.LookupTimeout(),
		ScanThrottle:  cfg.ScanThrottle(),
		Cache:         pools,
		CachePool:     cfg.Session.CachePool,
		WarnNearMiss:  cfg.Session.WarnNearMiss,
	})
	if err != nil {
		log.Printf("Failed to build session registry: %v", err)
		os.Exit(1)
	}
	defer registry.Close()

	tracker := stats.NewTracker()

	var sink server.SessionSink
	if cfg.Recorder.Path != "" {
		rec, err := recorder.NewRecorder(cfg.Recorder.Path)
		if err != nil {
			log.Printf("Recorder disabled: %v", err)
		} else {
			defer rec.Close()
			sink = rec
		}
	}

	var publisher server.ScanPublisher
	if cfg.Telemetry.Enabled {
		pub := telemetry.NewPublisher(cfg.Telemetry.Broker, cfg.Telemetry.Port, cfg.Telemetry.Topic)
		if err := pub.Connect(); err != nil {
			// The broker may come up later; auto-reconnect handles it.
			log.Printf("Telemetry: initial connect failed: %v", err)
		}
		defer pub.Stop()
		publisher = pub
	}

	var auth server.Authenticator
	if len(cfg.Auth.Tokens) > 0 {
		auth = server.NewTokenAuthenticator(cfg.Auth.Tokens)
	} else {
		log.Println("Auth: no tokens configured, running in open mode")
	}

	srv := server.New(server.Config{
		BindAddress:    cfg.Server.BindAddress,
		Port:           cfg.Server.Port,
		MaxConnections: cfg.Server.MaxConnections,
	}, registry, server.Options{
		Auth:      auth,
		Sink:      sink,
		Publisher: publisher,
		Tracker:   tracker,
	})
	if err := srv.Start(); err != nil {
		log.Printf("Failed to start server: %v", err)
		os.Exit(1)
	}

	stopStats := make(chan struct{})
	go statsLoop(fanout, tracker, srv, registry, pools, stopStats)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %v, shutting down...", sig)
	close(stopStats)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	logFinalStats(tracker)
	log.Println("Shutdown complete")
}

func configPathDefault() string {
	if path := os.Getenv(envConfigPath); path != "" {
		return path
	}
	return defaultConfigPath
}

// statsLoop writes a periodic status line to the log file. Per-kind message
// counts go file-only so the console stays readable.
func statsLoop(fanout *logFanout, tracker *stats.Tracker, srv *server.Server, registry *session.Registry, pools *cache.Cache, stop chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Printf("Status: %s", statusLine(tracker, srv, registry))
			now := time.Now()
			for _, line := range tracker.SnapshotLines() {
				fanout.WriteFileOnlyLine("Stats: "+line, now)
			}
			for _, pool := range pools.Pools() {
				m := pools.Metrics(pool)
				fanout.WriteFileOnlyLine(fmt.Sprintf(
					"Cache %s: size=%d hits=%s misses=%s stale=%d evictions=%d",
					pool, m.Entries, humanize.Comma(int64(m.Hits)), humanize.Comma(int64(m.Misses)),
					m.StaleServed, m.Evictions), now)
			}
		case <-stop:
			return
		}
	}
}

func statusLine(tracker *stats.Tracker, srv *server.Server, registry *session.Registry) string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	found, notFound := tracker.Lookups()
	return fmt.Sprintf("conns=%d sessions=%d found=%s not_found=%s heap=%s uptime=%s",
		srv.ConnectionCount(),
		registry.Len(),
		humanize.Comma(int64(found)),
		humanize.Comma(int64(notFound)),
		humanize.Bytes(mem.HeapAlloc),
		tracker.GetUptime().Round(time.Second))
}

func logFinalStats(tracker *stats.Tracker) {
	for _, line := range tracker.SnapshotLines() {
		log.Printf("Final %s", line)
	}
}
