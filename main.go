package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/config"
	"github.com/codefionn/peekproxy/peekproxy-srv/logger"
	"github.com/codefionn/peekproxy/peekproxy-srv/observer"
	"github.com/codefionn/peekproxy/peekproxy-srv/proxy"
	"github.com/codefionn/peekproxy/peekproxy-srv/stats"
)

var version string

// drainTimeout bounds how long a retired collector stays open for tunnels
// that outlive their server.
var drainTimeout = 10 * time.Second

// overrides holds the flags that take precedence over the loaded config.
type overrides struct {
	port   int
	listen string
	debug  bool
}

func main() {
	cfg, configPath, flags := parseFlagsAndConfig()
	os.Exit(runProxy(cfg, configPath, flags))
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string, flags overrides) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	flag.IntVar(&flags.port, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&flags.listen, "listen", "", "Interface to bind (overrides config)")
	flag.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("peekproxy version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if flags.debug {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting peekproxy")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := loadConfig(*configPathPtr, flags)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	logger.Debug("Configuration loaded successfully")
	logger.Debug("Listen address: %s", cfg.ListenAddr())
	logger.Debug("Max connections: %d", cfg.MaxConcurrentConnections)
	logger.Debug("Upstream: %s", cfg.Upstream.Type)

	return cfg, *configPathPtr, flags
}

// loadConfig reads configPath and applies the flag overrides. A missing file
// falls back to defaults and environment variables; any other load error is
// returned.
func loadConfig(configPath string, flags overrides) (*config.Config, error) {
	path := configPath
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		logger.Warn("Config file %s not found. Using environment variables.", configPath)
		path = ""
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if flags.port != 0 {
		cfg.Port = flags.port
	}
	if flags.listen != "" {
		cfg.ListenHost = flags.listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if flags.debug {
		logger.SetLevel(logger.DEBUG)
	} else {
		logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	}
	return cfg, nil
}

// instance is one running server together with what it reports to.
type instance struct {
	cfg       *config.Config
	server    *proxy.Server
	collector stats.Collector
	stats     *observer.StatsObserver
	done      chan error
}

func newInstance(cfg *config.Config, collector stats.Collector) (*instance, error) {
	if collector == nil {
		var err error
		collector, err = stats.NewCollectorFactory().CreateCollectorFromConfig(cfg)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = stats.NewHealthChecker(collector).Check(ctx)
		cancel()
		if err != nil {
			logger.Warn("Statistics backend unhealthy: %v", err)
		}
	}

	statsObserver := observer.NewStatsObserver(collector)
	obs := observer.Multi{observer.NewLogObserver(), statsObserver}

	server, err := proxy.NewServer(cfg, obs, collector)
	if err != nil {
		statsObserver.Close()
		return nil, err
	}

	return &instance{
		cfg:       cfg,
		server:    server,
		collector: collector,
		stats:     statsObserver,
		done:      make(chan error, 1),
	}, nil
}

func (i *instance) start() {
	go func() {
		logger.Info("Starting proxy server on %s...", i.cfg.ListenAddr())
		i.done <- i.server.Start()
	}()
}

// stop closes the listener and stops forwarding observer events. Tunnels
// that are still open keep running.
func (i *instance) stop() {
	if err := i.server.Stop(); err != nil {
		logger.Error("Error stopping proxy: %v", err)
	}
	i.stats.Close()
}

// runProxy starts and manages the proxy server, including signal handling
// and reloads. It returns the process exit code.
func runProxy(cfg *config.Config, configPath string, flags overrides) int {
	current, err := newInstance(cfg, nil)
	if err != nil {
		logger.Error("Failed to create proxy: %v", err)
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	current.start()

	for {
		select {
		case err := <-current.done:
			if err != nil {
				logger.Error("Proxy server error: %v", err)
				current.stop()
				closeCollector(current.collector)
				return 1
			}
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				next, ok := reload(current, configPath, flags)
				if ok {
					current = next
				}
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				current.stop()
				logOverview(current.collector)
				<-retire(current.server, current.collector, drainTimeout)
				logger.Info("Proxy server shutdown complete")
				return 0
			}
		}
	}
}

// reload replaces current when the configuration changed. The collector is
// kept unless its settings changed too.
func reload(current *instance, configPath string, flags overrides) (*instance, bool) {
	newCfg, err := loadConfig(configPath, flags)
	if err != nil {
		logger.Error("Failed to reload config: %v (keeping current config)", err)
		return nil, false
	}
	if !config.HasChanged(current.cfg, newCfg) {
		logger.Info("Config unchanged after reload; not restarting proxy.")
		return nil, false
	}

	logger.Info("Config changed. Restarting proxy...")
	collector := current.collector
	if current.cfg.Statistics != newCfg.Statistics {
		collector = nil
	}

	current.stop()
	<-current.done
	if collector == nil {
		retire(current.server, current.collector, drainTimeout)
	}

	next, err := newInstance(newCfg, collector)
	if err != nil {
		// The old listener is gone; fall back to the previous settings.
		logger.Error("Failed to apply new config: %v (restoring previous config)", err)
		next, err = newInstance(current.cfg, collector)
		if err != nil {
			logger.Fatal("Failed to restore previous config: %v", err)
		}
	}
	next.start()
	logger.Info("Proxy restarted with new configuration.")
	return next, true
}

func logOverview(collector stats.Collector) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	overview, err := collector.GetOverviewStats(ctx)
	if err != nil || overview == nil {
		return
	}
	logger.Info("Served %d connections (%d errors), %d bytes in, %d bytes out, uptime %s",
		overview.TotalConnections, overview.TotalErrors, overview.TotalBytesIn, overview.TotalBytesOut, overview.Uptime)
}

// retire closes collector once every connection of the stopped server has
// ended, or after timeout if tunnels are still open by then. The returned
// channel is closed after the collector.
func retire(server *proxy.Server, collector stats.Collector, timeout time.Duration) <-chan struct{} {
	retired := make(chan struct{})
	go func() {
		defer close(retired)

		drained := make(chan struct{})
		go func() {
			server.Wait()
			close(drained)
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-drained:
		case <-timer.C:
			logger.Warn("Closing statistics collector with %d connection(s) still open", server.ActiveConnections())
		}
		closeCollector(collector)
	}()
	return retired
}

func closeCollector(collector stats.Collector) {
	if err := collector.Close(); err != nil {
		logger.Error("Error closing statistics collector: %v", err)
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimPrefix(strings.TrimSpace(key), "export ")
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(strings.TrimSpace(key), val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
