package app

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/afex/hystrix-go/hystrix"
	"github.com/juju/ratelimit"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/barryq93/db2prom/internal/collect"
	"github.com/barryq93/db2prom/internal/db"
	"github.com/barryq93/db2prom/internal/metrics"
	"github.com/barryq93/db2prom/internal/types"
	"github.com/barryq93/db2prom/internal/utils"
)

// Application wires the collection engine together: one supervisor per
// connection, one runner per matching (connection, query) pair, a shared
// metric registry, and the exposition HTTP server.
type Application struct {
	configFile string

	mu          sync.Mutex
	config      types.Config
	registry    *metrics.Registry
	supervisors []*db.Supervisor
	runners     []*collect.Runner

	engineCancel context.CancelFunc
	engineWG     *sync.WaitGroup

	server   *http.Server
	shutdown chan struct{}
	wg       sync.WaitGroup
}

func NewApplication(configFile string) (*Application, error) {
	config, err := LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %v", err)
	}

	utils.SetLogLevel(config.GlobalConfig.LogLevel)
	if data, err := yaml.Marshal(maskPasswords(config)); err == nil {
		logrus.Debugf("Loaded config:\n%s", data)
	}

	app := &Application{
		configFile: configFile,
		config:     config,
		shutdown:   make(chan struct{}),
	}
	if err := app.buildEngine(config); err != nil {
		return nil, err
	}
	return app, nil
}

// buildEngine constructs the registry, supervisors and runners for a
// configuration. Callers hold app.mu or are single-threaded (startup).
func (app *Application) buildEngine(config types.Config) error {
	registry := metrics.NewRegistry()
	if err := declareMetrics(config, registry); err != nil {
		return err
	}
	configureBreakers(config)

	// seed per-query series so they are scrapeable before the first run
	for _, q := range config.Queries {
		if err := registry.Set(metrics.QueryLastSuccessMetric, map[string]string{"query": q.Name}, 0); err != nil {
			return err
		}
	}

	retry := time.Duration(config.GlobalConfig.RetryConnInterval) * time.Second
	var supervisors []*db.Supervisor
	var runners []*collect.Runner
	for _, conn := range config.Connections {
		connLabels := conn.IdentityLabels()
		// unreachable until the supervisor's first successful connect
		registry.SetConnectionStatus(connLabels, false)
		sup := db.NewSupervisor(conn, db.Dial, retry, func(up bool) {
			registry.SetConnectionStatus(connLabels, up)
		})
		supervisors = append(supervisors, sup)

		for _, query := range config.Queries {
			if !utils.ShouldRunQuery(query, conn) {
				continue
			}
			runners = append(runners, collect.NewRunner(query, conn, sup, registry))
		}
	}

	app.config = config
	app.registry = registry
	app.supervisors = supervisors
	app.runners = runners
	return nil
}

// declareMetrics registers every configured gauge up front. Each gauge's
// label key set is the union of all connections' identity and extra label
// keys plus the gauge's own extra label keys, so series from different
// connections stay structurally consistent; missing values are filled at
// set time.
func declareMetrics(config types.Config, registry *metrics.Registry) error {
	connKeys := map[string]struct{}{}
	for _, conn := range config.Connections {
		for k := range conn.IdentityLabels() {
			connKeys[k] = struct{}{}
		}
	}
	connKeyList := make([]string, 0, len(connKeys))
	for k := range connKeys {
		connKeyList = append(connKeyList, k)
	}

	if err := registry.Declare(metrics.ConnectionStatusMetric,
		"Indicates whether the database is reachable (1 = reachable, 0 = unreachable)",
		connKeyList); err != nil {
		return err
	}
	if err := registry.Declare(metrics.QueryTimeoutMetric,
		"Indicates that the last execution of a query timed out (1 = timeout)",
		[]string{"query"}); err != nil {
		return err
	}
	if err := registry.Declare(metrics.QueryDurationMetric,
		"Duration of the last successful query execution in seconds",
		[]string{"query"}); err != nil {
		return err
	}
	if err := registry.Declare(metrics.QueryLastSuccessMetric,
		"Unix timestamp of the last successful query execution",
		[]string{"query"}); err != nil {
		return err
	}

	for _, q := range config.Queries {
		for _, g := range q.Gauges {
			keys := append([]string(nil), connKeyList...)
			for k := range g.ExtraLabels {
				if _, dup := connKeys[k]; !dup {
					keys = append(keys, k)
				}
			}
			if err := registry.Declare(g.Name, g.Desc, keys); err != nil {
				return err
			}
		}
	}
	return nil
}

// configureBreakers sets up one hystrix command per (connection, query)
// pair; runners execute queries through it so a flapping statement trips
// open instead of piling up stuck calls, without blocking sibling queries
// on the same connection.
func configureBreakers(config types.Config) {
	cb := config.GlobalConfig.CircuitBreakerConfig
	if cb.Timeout == 0 {
		cb.Timeout = 30000
	}
	if cb.MaxConcurrent == 0 {
		cb.MaxConcurrent = 10
	}
	if cb.ErrorPercent == 0 {
		cb.ErrorPercent = 50
	}
	if cb.SleepWindow == 0 {
		cb.SleepWindow = 5000
	}
	for _, conn := range config.Connections {
		for _, query := range config.Queries {
			if !utils.ShouldRunQuery(query, conn) {
				continue
			}
			hystrix.ConfigureCommand(conn.ID()+"/"+query.Name, hystrix.CommandConfig{
				Timeout:               cb.Timeout,
				MaxConcurrentRequests: cb.MaxConcurrent,
				ErrorPercentThreshold: cb.ErrorPercent,
				SleepWindow:           cb.SleepWindow,
			})
		}
	}
}

// Start spawns every supervisor and runner and brings up the HTTP server.
func (app *Application) Start() {
	app.mu.Lock()
	app.startEngineLocked()
	app.mu.Unlock()

	app.server = app.startHTTPServer()

	app.wg.Add(1)
	go app.watchConfig(app.configFile)
}

func (app *Application) startEngineLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	for _, sup := range app.supervisors {
		sup := sup
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Run(ctx)
		}()
	}
	for _, runner := range app.runners {
		runner := runner
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Run(ctx)
		}()
	}
	app.engineCancel = cancel
	app.engineWG = wg
	logrus.Infof("Collection engine started: %d connections, %d query runners",
		len(app.supervisors), len(app.runners))
}

// stopEngineLocked cancels all loops and waits out the grace period.
// In-flight queries are abandoned, not aborted; shutdown must not hang.
func (app *Application) stopEngineLocked(grace time.Duration) {
	if app.engineCancel == nil {
		return
	}
	app.engineCancel()
	if !waitTimeout(app.engineWG, grace) {
		logrus.Warn("Collection engine did not stop within grace period")
	}
	app.engineCancel = nil
	app.engineWG = nil
}

// reload swaps in a freshly loaded configuration: stop the old engine,
// build and start a new one. The HTTP server keeps running and picks up
// the new registry through metricsHandler.
func (app *Application) reload(config types.Config) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	grace := time.Duration(app.config.GlobalConfig.ShutdownTimeout) * time.Second
	app.stopEngineLocked(grace)
	if err := app.buildEngine(config); err != nil {
		return err
	}
	utils.SetLogLevel(config.GlobalConfig.LogLevel)
	app.startEngineLocked()
	return nil
}

func (app *Application) metricsHandler() http.Handler {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.registry.Handler()
}

// Snapshot renders the current registry state in text exposition format.
func (app *Application) Snapshot() (string, error) {
	app.mu.Lock()
	registry := app.registry
	app.mu.Unlock()
	return registry.Snapshot()
}

func (app *Application) startHTTPServer() *http.Server {
	mux := http.NewServeMux()

	rateLimiter := ratelimit.NewBucketWithRate(
		float64(app.config.GlobalConfig.RateLimitRequests),
		int64(app.config.GlobalConfig.RateLimitBurst),
	)

	scrape := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.metricsHandler().ServeHTTP(w, r)
	})

	var metricsHandler http.Handler = scrape
	if app.config.BasicAuth.Username != "" {
		metricsHandler = utils.BasicAuthHandler(app.config.BasicAuth.Username, app.config.BasicAuth.Password, scrape)
	}

	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rateLimiter.TakeAvailable(1) == 0 {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		metricsHandler.ServeHTTP(w, r)
	}))
	mux.HandleFunc("/health", app.healthHandler)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.GlobalConfig.Port),
		Handler: mux,
	}

	if app.config.GlobalConfig.UseHTTPS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
		cert, err := tls.LoadX509KeyPair(app.config.GlobalConfig.CertFile, app.config.GlobalConfig.KeyFile)
		if err != nil {
			logrus.Fatalf("Failed to load server certificate: %v", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}

		if app.config.GlobalConfig.PrometheusMTLSEnabled {
			caCert, err := os.ReadFile(app.config.GlobalConfig.PrometheusClientCACert)
			if err != nil {
				logrus.Fatalf("Failed to read Prometheus CA cert: %v", err)
			}
			caCertPool := x509.NewCertPool()
			caCertPool.AppendCertsFromPEM(caCert)
			tlsConfig.ClientCAs = caCertPool
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}

		server.TLSConfig = tlsConfig
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logrus.Fatalf("HTTPS server failed: %v", err)
			}
		}()
	} else {
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Fatalf("HTTP server failed: %v", err)
			}
		}()
	}
	return server
}

func (app *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	app.mu.Lock()
	status := struct {
		Databases map[string]string `json:"databases"`
		Runners   int               `json:"runners"`
	}{
		Databases: make(map[string]string),
		Runners:   len(app.runners),
	}
	for _, sup := range app.supervisors {
		status.Databases[sup.Connection().ID()] = sup.State().String()
	}
	app.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		logrus.Errorf("Failed to encode health response: %v", err)
	}
}

// Shutdown stops the engine and the HTTP server, bounded by the configured
// shutdown timeout.
func (app *Application) Shutdown() {
	close(app.shutdown)

	grace := time.Duration(app.config.GlobalConfig.ShutdownTimeout) * time.Second
	app.mu.Lock()
	app.stopEngineLocked(grace)
	app.mu.Unlock()

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := app.server.Shutdown(ctx); err != nil {
			logrus.Errorf("Server shutdown failed: %v", err)
		}
	}
	app.wg.Wait()
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
