// pillbox-webui serves the pillbox web interface to caregivers and patients.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pillbox/dblayer"
	"pillbox/docstore"
	"pillbox/envflag"
	"pillbox/healthz"
	"pillbox/httpmetrics"
	"pillbox/monitoring"
	"pillbox/webui"

	"cloud.google.com/go/profiler"
	"contrib.go.opencensus.io/exporter/stackdriver"
	"github.com/golang/glog"
)

var (
	listen      = flag.String("listen", envflag.String("PILLBOX_LISTEN", "0.0.0.0:8000"), "Server address:port for the web interface.")
	debugListen = flag.String("debug-listen", envflag.String("PILLBOX_DEBUG_LISTEN", "127.0.0.1:8001"), "Server address:port for debug endpoint.")

	dataProject = flag.String("data-project", envflag.String("PILLBOX_DATA_PROJECT", ""), "GCP project that contains the application state.  If empty, --badger-dir is used.")
	badgerDir   = flag.String("badger-dir", envflag.String("PILLBOX_BADGER_DIR", ""), "Directory of a local Badger database, used when --data-project is empty.")

	googleClientID = flag.String("google-client-id", envflag.String("PILLBOX_GOOGLE_CLIENT_ID", ""), "OAuth client ID for Sign in with Google.  Federated log in is disabled if empty.")

	enableProfiling = flag.Bool("enable-profiling", envflag.Bool("PILLBOX_ENABLE_PROFILING", false), "Enable Cloud Profiler?")
	enableMetrics   = flag.Bool("enable-metrics", envflag.Bool("PILLBOX_ENABLE_METRICS", false), "Export HTTP metrics to Stackdriver?")

	monitoringEnabled    = flag.Bool("monitoring", envflag.Bool("PILLBOX_MONITORING", false), "Enable monitoring?")
	monitoringProject    = flag.String("monitoring-project", envflag.String("PILLBOX_MONITORING_PROJECT", ""), "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	monitoringTraceRatio = flag.Float64("monitoring-trace-ratio", envflag.Float64("PILLBOX_MONITORING_TRACE_RATIO", 0.0001), "What ratio of traces should be exported?")
)

func main() {
	flag.Parse()

	glog.CopyStandardLogTo("INFO")

	glog.Infof("flags:")
	glog.Infof("listen: %v", *listen)
	glog.Infof("debug-listen: %v", *debugListen)
	glog.Infof("data-project: %v", *dataProject)
	glog.Infof("badger-dir: %v", *badgerDir)
	glog.Infof("google-client-id: %v", *googleClientID)
	glog.Infof("enable-profiling: %v", *enableProfiling)
	glog.Infof("enable-metrics: %v", *enableMetrics)
	glog.Infof("monitoring: %v", *monitoringEnabled)
	glog.Infof("monitoring-project: %v", *monitoringProject)
	glog.Infof("monitoring-trace-ratio: %v", *monitoringTraceRatio)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx); err != nil {
		glog.Exitf("Error: %v", err)
	}
}

func do(ctx context.Context) error {
	// Cloud Profiler initialization, best done as early as possible.
	if *enableProfiling {
		if err := profiler.Start(profiler.Config{
			Service:        "pillbox-webui",
			ServiceVersion: "0.0.1",
		}); err != nil {
			return fmt.Errorf("while starting profiler: %w", err)
		}
	}

	if *monitoringEnabled {
		shutdown, err := monitoring.Install(ctx, *monitoringProject, *monitoringTraceRatio)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	store, err := docstore.Open(ctx, *dataProject, *badgerDir)
	if err != nil {
		return fmt.Errorf("while opening document store: %w", err)
	}
	defer store.Close()

	db := dblayer.New(store, *googleClientID)

	serveMux := http.NewServeMux()
	webui.New(store, db, *googleClientID).Register(serveMux)

	metricsWrapper := httpmetrics.New(serveMux, serveMux)
	if *enableMetrics {
		if err := metricsWrapper.RegisterMetrics(); err != nil {
			return fmt.Errorf("while registering HTTP metrics: %w", err)
		}

		exporter, err := stackdriver.NewExporter(stackdriver.Options{
			ProjectID:         *monitoringProject,
			MetricPrefix:      "pillbox-webui",
			ReportingInterval: 60 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("while creating Stackdriver exporter: %w", err)
		}
		if err := exporter.StartMetricsExporter(); err != nil {
			return fmt.Errorf("while starting Stackdriver exporter: %w", err)
		}
		defer exporter.Flush()
		defer exporter.StopMetricsExporter()
	}

	readyz := healthz.New().WithCheck("docstore", docstore.Healthy(store))

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New())
	debugServeMux.Handle("/readyz", readyz)
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    *debugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	server := &http.Server{
		Addr:    *listen,
		Handler: metricsWrapper,

		// No WriteTimeout: /schedule/live holds its connection open.
		ReadTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := debugServer.ListenAndServe(); err != nil {
			glog.Fatalf("Debug server died: %v", err)
		}
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("Web server died: %v", err)
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("Error while shutting down web server: %v", err)
	}

	glog.Flush()

	return nil
}
