// Package monitoring installs the Cloud Trace and Cloud Monitoring
// OpenTelemetry pipelines shared by the pillbox daemons.
package monitoring

import (
	"context"
	"fmt"

	cloudmetrics "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/golang/glog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Install sets up the global trace and meter providers.  project may be empty
// to use the project of the Application Default Credentials.  The returned
// function flushes and stops both pipelines.
func Install(ctx context.Context, project string, traceRatio float64) (func(), error) {
	metricsOpts := []cloudmetrics.Option{}
	traceOpts := []cloudtrace.Option{}
	if project != "" {
		metricsOpts = append(metricsOpts, cloudmetrics.WithProjectID(project))
		traceOpts = append(traceOpts, cloudtrace.WithProjectID(project))
	}

	_, traceShutdown, err := cloudtrace.InstallNewPipeline(traceOpts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(traceRatio)))
	if err != nil {
		return nil, fmt.Errorf("while installing Cloud Trace pipeline: %w", err)
	}

	pusher, err := cloudmetrics.InstallNewPipeline(metricsOpts)
	if err != nil {
		traceShutdown()
		return nil, fmt.Errorf("while installing Cloud Monitoring pipeline: %w", err)
	}

	glog.Infof("Monitoring enabled; trace ratio %v", traceRatio)
	return func() {
		if err := pusher.Stop(ctx); err != nil {
			glog.Errorf("Error while stopping metrics pipeline: %v", err)
		}
		traceShutdown()
	}, nil
}
