// Command driver runs the elastic training driver: it discovers hosts,
// assigns ranks, launches worker processes, and coordinates rendezvous
// rounds with fault recovery (spec.md §1, §4).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Will-Luck/elastic-driver/internal/clock"
	"github.com/Will-Luck/elastic-driver/internal/config"
	"github.com/Will-Luck/elastic-driver/internal/elastic"
	"github.com/Will-Luck/elastic-driver/internal/elastic/discovery"
	"github.com/Will-Luck/elastic-driver/internal/elastic/launcher"
	"github.com/Will-Luck/elastic-driver/internal/elastic/rendezvous"
	"github.com/Will-Luck/elastic-driver/internal/elastic/statuspub"
	"github.com/Will-Luck/elastic-driver/internal/elastic/workerrpc"
	"github.com/Will-Luck/elastic-driver/internal/events"
	"github.com/Will-Luck/elastic-driver/internal/logging"
	"github.com/Will-Luck/elastic-driver/internal/metrics"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	overlayPath := flag.String("config", "", "path to an optional YAML configuration overlay")
	workerCommand := flag.String("worker-command", "", "comma-separated argv of the worker process to launch per slot")
	flag.Parse()

	cfg := config.Load()
	if err := cfg.LoadYAMLOverlay(*overlayPath); err != nil {
		fmt.Fprintf(os.Stderr, "configuration overlay error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("elastic-driver " + versionString())
	fmt.Println("=============================================")
	fmt.Printf("HOROVOD_ELASTIC_MIN_NP=%d\n", cfg.MinNP)
	fmt.Printf("HOROVOD_ELASTIC_MAX_NP=%d\n", cfg.MaxNP)
	fmt.Printf("HOROVOD_ELASTIC_START_TIMEOUT=%s\n", cfg.StartTimeout())
	fmt.Printf("HOROVOD_ELASTIC_DISCOVERY_FILE=%s\n", cfg.DiscoveryFile)
	fmt.Printf("HOROVOD_ELASTIC_RENDEZVOUS_URL=%s\n", cfg.RendezvousURL)
	fmt.Println("=============================================")

	if *workerCommand == "" {
		fmt.Fprintln(os.Stderr, "-worker-command is required")
		os.Exit(1)
	}
	argv := strings.Split(*workerCommand, ",")

	clk := clock.Real{}
	provider := discovery.NewStaticFileProvider(cfg.DiscoveryFile)
	hosts := elastic.NewHostManager(provider, log.Logger.With("component", "hosts"))
	rdzv := rendezvous.NewHTTPClient(cfg.RendezvousURL)
	workerClientFac := &workerrpc.GRPCClientFactory{Log: log.Logger}

	// cfg.MaxNP == 0 means "unbounded" at the config layer; Assign takes a
	// literal cap, so translate that into the largest value that won't
	// truncate any real host list.
	maxNP := cfg.MaxNP
	if maxNP == 0 {
		maxNP = ^uint(0) >> 1
	}

	drv := elastic.NewElasticDriver(hosts, rdzv, workerClientFac, cfg.MinNP, maxNP, cfg.StartTimeout(), clk, log.Logger)

	bus := events.New()
	hosts.SetEventBus(bus)
	drv.SetEventBus(bus)

	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "world_size=%d finished=%t\n", drv.WorldSize(), drv.Finished())
		})
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("introspection server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			_ = srv.Shutdown(shutCtx)
		}()
		log.Info("metrics server listening", "addr", cfg.MetricsAddr)
	}

	if cfg.MetricsTextfile != "" {
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
						log.Warn("failed to write metrics textfile", "path", cfg.MetricsTextfile, "error", err)
					}
				}
			}
		}()
		log.Info("metrics textfile export enabled", "path", cfg.MetricsTextfile)
	}

	if cfg.MQTTEnabled() {
		pub := statuspub.NewMQTT(statuspub.MQTTSettings{
			Broker: cfg.MQTTBroker,
			Topic:  cfg.MQTTTopic,
		}, log.Logger)
		go func() {
			if err := pub.Run(ctx, bus); err != nil {
				log.Warn("status publisher stopped", "error", err)
			}
		}()
		log.Info("mqtt status publishing enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}

	cmdLauncher := &launcher.CommandLauncher{
		Command:   argv,
		Log:       log.Logger,
		KillGrace: 10 * time.Second,
	}

	if err := drv.Start(ctx, cfg.MinNP, cmdLauncher); err != nil {
		log.Error("driver failed to start", "error", err)
		os.Exit(1)
	}
	bus.Publish(events.StatusEvent{Type: events.EventWorldSizeChange, WorldSize: drv.WorldSize(), Timestamp: clk.Now()})
	metrics.WorldSize.Set(float64(drv.WorldSize()))

	log.Info("elastic driver started", "version", version, "commit", commit, "world_size", drv.WorldSize())

	<-ctx.Done()
	log.Info("signal received, stopping driver")
	drv.Stop()

	bus.Publish(events.StatusEvent{Type: events.EventDriverStopped, Timestamp: clk.Now()})

	results := drv.GetResults()
	exitCode := 0
	for key, res := range results {
		log.Info("worker result", "slot", key, "exit_code", res.ExitCode)
		if res.ExitCode != 0 {
			exitCode = 1
		}
	}
	if err := drv.Err(); err != nil {
		log.Error("driver exited with error", "error", err)
		exitCode = 1
	}

	log.Info("elastic driver shutdown complete")
	os.Exit(exitCode)
}
