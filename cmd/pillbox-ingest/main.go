// pillbox-ingest stores the telemetry pillboxes publish over MQTT.
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

	"pillbox/docstore"
	"pillbox/envflag"
	"pillbox/healthz"
	"pillbox/ingest"
	"pillbox/monitoring"

	"github.com/golang/glog"
)

var (
	debugListen = flag.String("debug-listen", envflag.String("PILLBOX_DEBUG_LISTEN", "127.0.0.1:8002"), "Server address:port for debug endpoint.")

	dataProject = flag.String("data-project", envflag.String("PILLBOX_DATA_PROJECT", ""), "GCP project that contains the application state.  If empty, --badger-dir is used.")
	badgerDir   = flag.String("badger-dir", envflag.String("PILLBOX_BADGER_DIR", ""), "Directory of a local Badger database, used when --data-project is empty.")

	brokerURL   = flag.String("broker-url", envflag.String("PILLBOX_BROKER_URL", "tcp://localhost:1883"), "MQTT broker URL.")
	clientID    = flag.String("client-id", envflag.String("PILLBOX_MQTT_CLIENT_ID", "pillbox-ingest"), "MQTT client ID.")
	brokerUser  = flag.String("broker-user", envflag.String("PILLBOX_BROKER_USER", ""), "MQTT user name.")
	topicPrefix = flag.String("topic-prefix", envflag.String("PILLBOX_TOPIC_PREFIX", "pillbox"), "First topic level of pillbox telemetry.")

	monitoringEnabled    = flag.Bool("monitoring", envflag.Bool("PILLBOX_MONITORING", false), "Enable monitoring?")
	monitoringProject    = flag.String("monitoring-project", envflag.String("PILLBOX_MONITORING_PROJECT", ""), "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	monitoringTraceRatio = flag.Float64("monitoring-trace-ratio", envflag.Float64("PILLBOX_MONITORING_TRACE_RATIO", 0.0001), "What ratio of traces should be exported?")
)

func main() {
	flag.Parse()

	glog.CopyStandardLogTo("INFO")

	glog.Infof("flags:")
	glog.Infof("debug-listen: %v", *debugListen)
	glog.Infof("data-project: %v", *dataProject)
	glog.Infof("badger-dir: %v", *badgerDir)
	glog.Infof("broker-url: %v", *brokerURL)
	glog.Infof("client-id: %v", *clientID)
	glog.Infof("broker-user: %v", *brokerUser)
	glog.Infof("topic-prefix: %v", *topicPrefix)
	glog.Infof("monitoring: %v", *monitoringEnabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx, cancel); err != nil {
		glog.Exitf("Error: %v", err)
	}
}

func do(ctx context.Context, cancel context.CancelFunc) error {
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

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New())
	debugServeMux.Handle("/readyz", healthz.New().WithCheck("docstore", docstore.Healthy(store)))
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

	go func() {
		if err := debugServer.ListenAndServe(); err != nil {
			glog.Fatalf("Debug server died: %v", err)
		}
	}()

	go func() {
		signalCh := make(chan os.Signal, 1)
		signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
		<-signalCh
		cancel()
	}()

	bridge := ingest.NewBridge(store, *topicPrefix)
	err = bridge.Run(ctx, ingest.Config{
		BrokerURL: *brokerURL,
		ClientID:  *clientID,
		Username:  *brokerUser,
		Password:  os.Getenv("PILLBOX_BROKER_PASS"),
	})

	glog.Flush()

	return err
}
