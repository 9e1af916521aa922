// Command plejd-mqtt connects to a Plejd Bluetooth mesh and bridges its
// lights, switches and buttons to an MQTT broker with Home Assistant
// discovery.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/chaz8081/plejd-mqtt/internal/ble"
	"github.com/chaz8081/plejd-mqtt/internal/bridge"
	"github.com/chaz8081/plejd-mqtt/internal/bridge/mqtt"
	"github.com/chaz8081/plejd-mqtt/internal/config"
	"github.com/chaz8081/plejd-mqtt/internal/health"
	"github.com/chaz8081/plejd-mqtt/internal/logging"
	"github.com/chaz8081/plejd-mqtt/internal/mesh"
	"github.com/chaz8081/plejd-mqtt/internal/metrics"
	"github.com/chaz8081/plejd-mqtt/internal/site"
	"github.com/chaz8081/plejd-mqtt/internal/timesync"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/plejd-mqtt/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("plejd-mqtt", version)
		return
	}
	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote default config to", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation:\n%v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Logging, version)
	slog.SetDefault(logger)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("plejd-mqtt stopped", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
	slog.Info("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}
	// Defaults plus environment; credentials must come from PLEJD_API_*.
	return config.Load(os.DevNull)
}

func run(ctx context.Context, cfg *config.Config) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	s, closeCache, err := fetchSite(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()
	slog.Info("[SITE] site loaded", "site", s.Name, "devices", len(s.Devices))

	registry, err := mesh.NewRegistry(s.MeshKey, s.MeshDevices())
	if err != nil {
		return err
	}
	dispatcher := mesh.NewDispatcher(registry, nil, mesh.Options{
		CommandTimeout:         cfg.Mesh.CommandTimeout,
		DecodeWindow:           cfg.Mesh.DecodeWindow,
		DecodeFailureThreshold: cfg.Mesh.DecodeFailureThreshold,
		Location:               loc,
	})

	machine, err := ble.NewMachine(ble.NewTinygoAdapter(cfg.BLE.Adapter), registry.MeshKey(), registry, dispatcher.HandleFrame, ble.Options{
		ScanTimeout:    cfg.BLE.ScanTime,
		ConnectTimeout: cfg.BLE.ConnectTimeout,
		AuthTimeout:    cfg.BLE.AuthTimeout,
		WriteTimeout:   cfg.BLE.WriteTimeout,
		RetryInterval:  cfg.BLE.RetryInterval,
		MaxRetries:     cfg.BLE.Retries,
		PingInterval:   cfg.BLE.PingInterval,
	})
	if err != nil {
		return err
	}
	dispatcher.SetLink(machine)
	if pref := cfg.BLE.PreferredDevice; pref != "" {
		machine.SetIngressSelector(preferDevice(pref))
	}

	topics := bridge.Topics{Prefix: cfg.MQTT.TopicPrefix, DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix}
	client, err := mqtt.Connect(mqtt.Options{
		Host:              cfg.MQTT.Host,
		Port:              cfg.MQTT.Port,
		TLS:               cfg.MQTT.TLS,
		ClientID:          cfg.MQTT.ClientID,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		QoS:               byte(cfg.MQTT.QoS),
		AvailabilityTopic: topics.Availability(),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	br := bridge.New(client, registry, dispatcher, bridge.Options{
		Prefix:          cfg.MQTT.TopicPrefix,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		NodeID:          nodeID(s),
		QoS:             byte(cfg.MQTT.QoS),
		Discovery:       cfg.MQTT.Discovery,
	})
	dispatcher.AddStateSink(br)
	dispatcher.AddTriggerSink(br)
	if err := br.Start(ctx); err != nil {
		return err
	}
	client.SetOnConnect(func() {
		go func() {
			if err := br.Announce(); err != nil {
				slog.Warn("[MQTT] re-announce after reconnect failed", "error", err)
			}
		}()
	})

	if cfg.InfluxDB.Enabled {
		rec, err := metrics.Connect(ctx, metrics.Options{
			Enabled:       true,
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushInterval,
		})
		if err != nil {
			slog.Warn("[METRICS] disabled, influxdb unreachable", "error", err)
		} else {
			defer rec.Close()
			dispatcher.AddStateSink(rec)
			dispatcher.AddTriggerSink(rec)
			machine.OnStateChange(rec.OnConnectionState)
		}
	}

	var clock timesync.Clock = timesync.SystemClock{}
	if !cfg.TimeSync.UseSysTime {
		clock = timesync.NewNTPClock(cfg.TimeSync.NTPServer, cfg.TimeSync.NTPTimeout)
	}
	syncer := timesync.NewManager(dispatcher, clock, timesync.Options{
		Interval:  cfg.TimeSync.Interval,
		Threshold: cfg.TimeSync.Threshold,
		Location:  loc,
	})

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	machine.OnStateChange(func(from, to ble.State) {
		slog.Info("[BLE] state changed", "from", from, "to", to)
		switch to {
		case ble.StateConnected:
			if cfg.TimeSync.Enabled {
				syncer.Kick()
			}
		case ble.StateFailed:
			// Let the supervisor restart us with a fresh adapter.
			cancel(fmt.Errorf("mesh connection failed: %w", machine.Status().LastError))
		}
	})

	reporter := health.NewReporter(health.Options{
		Dir:      healthDir(cfg),
		Interval: cfg.HealthCheck.Interval,
		Topic:    topics.Health(),
		Version:  version,
	}, machine, client, dispatcher, syncer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := machine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			cancel(err)
		}
	}()
	if cfg.TimeSync.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			syncer.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		reporter.Run(ctx)
	}()

	slog.Info("Ready", "broker", cfg.MQTT.Host, "prefix", cfg.MQTT.TopicPrefix, "devices", registry.Len())
	<-ctx.Done()
	slog.Info("Shutting down...")
	machine.Close()
	wg.Wait()

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// fetchSite resolves the site through the configured cache policy.
func fetchSite(ctx context.Context, cfg *config.Config) (*site.Site, func(), error) {
	policy, err := site.ParsePolicy(cfg.API.CachePolicy)
	if err != nil {
		return nil, nil, err
	}

	var cache site.Cache
	closeCache := func() {}
	if policy != site.NoCache {
		c, err := site.OpenSQLiteCache(cfg.API.CacheFile, cfg.API.CacheSecret)
		if err != nil {
			return nil, nil, err
		}
		cache = c
		closeCache = func() { c.Close() }
	}

	api := site.NewAPIClient(cfg.API.User, cfg.API.Password, cfg.API.Site, cfg.API.Timeout)
	s, err := site.NewFetcher(api, cache, policy).FetchWithRetry(ctx)
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	return s, closeCache, nil
}

func healthDir(cfg *config.Config) string {
	if !cfg.HealthCheck.Enabled {
		return ""
	}
	return cfg.HealthCheck.Dir
}

// nodeID keeps discovery ids distinct when several sites share a broker.
func nodeID(s *site.Site) string {
	if s.ID == "" {
		return "plejd"
	}
	return "plejd_" + s.ID
}

// preferDevice picks the configured ingress when it is in range and falls
// back to the strongest signal otherwise.
func preferDevice(mac string) ble.IngressSelector {
	return func(candidates []ble.Device) (ble.Device, bool) {
		for _, d := range candidates {
			if strings.EqualFold(d.MAC, mac) {
				return d, true
			}
		}
		slog.Info("[BLE] preferred device not in range", "preferred_device", mac)
		return ble.StrongestSignal(candidates)
	}
}
