// pillbox-poller emails caregivers when their pillboxes log alert events.
package main

import (
	"context"
	"errors"
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
	"pillbox/monitoring"
	"pillbox/poller"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"github.com/golang/glog"
	"github.com/sendgrid/sendgrid-go"
	secretmanagerpb "google.golang.org/genproto/googleapis/cloud/secretmanager/v1"
)

var (
	debugListen   = flag.String("debug-listen", envflag.String("PILLBOX_DEBUG_LISTEN", "127.0.0.1:8001"), "Server address:port for debug endpoint.")
	recheckPeriod = flag.Duration("recheck-period", envflag.Duration("PILLBOX_RECHECK_PERIOD", 5*time.Minute), "Time between scans")

	dataProject = flag.String("data-project", envflag.String("PILLBOX_DATA_PROJECT", ""), "GCP project that contains the application state.  If empty, --badger-dir is used.")
	badgerDir   = flag.String("badger-dir", envflag.String("PILLBOX_BADGER_DIR", ""), "Directory of a local Badger database, used when --data-project is empty.")

	sendgridKeySecret = flag.String("sendgrid-key-secret", envflag.String("PILLBOX_SENDGRID_KEY_SECRET", "sendgrid-api-key"), "GCP Secret Manager secret name that contains the Sendgrid API key.  Without --data-project, the key is read from SENDGRID_API_KEY instead.")
	fromAddress       = flag.String("from-address", envflag.String("PILLBOX_FROM_ADDRESS", "alertas@pillbox.example"), "Sender address of alert emails.")
	baseURL           = flag.String("base-url", envflag.String("PILLBOX_BASE_URL", "http://localhost:8000"), "Public URL of the web interface, for links in emails.")

	monitoringEnabled    = flag.Bool("monitoring", envflag.Bool("PILLBOX_MONITORING", false), "Enable monitoring?")
	monitoringProject    = flag.String("monitoring-project", envflag.String("PILLBOX_MONITORING_PROJECT", ""), "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	monitoringTraceRatio = flag.Float64("monitoring-trace-ratio", envflag.Float64("PILLBOX_MONITORING_TRACE_RATIO", 0.0001), "What ratio of traces should be exported?")
)

func main() {
	flag.Parse()

	glog.CopyStandardLogTo("INFO")

	glog.Infof("flags:")
	glog.Infof("debug-listen: %v", *debugListen)
	glog.Infof("recheck-period: %v", *recheckPeriod)
	glog.Infof("data-project: %v", *dataProject)
	glog.Infof("badger-dir: %v", *badgerDir)
	glog.Infof("sendgrid-key-secret: %v", *sendgridKeySecret)
	glog.Infof("from-address: %v", *fromAddress)
	glog.Infof("base-url: %v", *baseURL)
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
	if *monitoringEnabled {
		shutdown, err := monitoring.Install(ctx, *monitoringProject, *monitoringTraceRatio)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	sg, err := newSendgridClient(ctx)
	if err != nil {
		return fmt.Errorf("while creating Sendgrid client: %w", err)
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

	poller := poller.New(store, sg, *recheckPeriod, *fromAddress, *baseURL)

	go func() {
		if err := debugServer.ListenAndServe(); err != nil {
			glog.Fatalf("Debug server died: %v", err)
		}
	}()

	go func() {
		poller.Run(ctx)
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	glog.Flush()

	return nil
}

func newSendgridClient(ctx context.Context) (*sendgrid.Client, error) {
	if *dataProject == "" {
		key := os.Getenv("SENDGRID_API_KEY")
		if key == "" {
			return nil, errors.New("SENDGRID_API_KEY must be set when running without --data-project")
		}
		return sendgrid.NewSendClient(key), nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secretClient, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("while creating Secret Manager client: %w", err)
	}
	defer secretClient.Close()

	resp, err := secretClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", *dataProject, *sendgridKeySecret),
	})
	if err != nil {
		return nil, fmt.Errorf("while pulling secret: %w", err)
	}

	return sendgrid.NewSendClient(string(resp.GetPayload().GetData())), nil
}
