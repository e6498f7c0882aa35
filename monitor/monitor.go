// Package monitor assembles the live status of every device a user can see.
package monitor

import (
	"context"
	"errors"
	"fmt"

	"pillbox/dbtypes"
	"pillbox/docstore"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// RecentLogLimit is how many event log entries are shown per device.
const RecentLogLimit = 5

// DeviceLister resolves the devices visible to a user.
type DeviceLister interface {
	ListDevicesForUser(ctx context.Context, uid string) ([]*dbtypes.Device, error)
}

// DeviceMonitorData is the composite view of one device.
type DeviceMonitorData struct {
	Device  *dbtypes.Device
	Reading dbtypes.Reading

	// Logs holds up to RecentLogLimit entries, newest first.
	Logs []dbtypes.EventLog
}

// Aggregator fetches the latest reading and recent events of devices.
type Aggregator struct {
	store   docstore.Store
	devices DeviceLister
}

func NewAggregator(store docstore.Store, devices DeviceLister) *Aggregator {
	return &Aggregator{
		store:   store,
		devices: devices,
	}
}

// Load returns one record per device visible to uid, in directory order.
// Read failures of individual readings or logs do not fail the load: the
// affected record carries an unavailable reading (temp -1.0) or no logs.
// Only a failure to list the devices is returned.
func (a *Aggregator) Load(ctx context.Context, uid string) (data []DeviceMonitorData, err error) {
	tracer := otel.Tracer("pillbox/monitor")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Aggregator.Load")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	devs, err := a.devices.ListDevicesForUser(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("while listing devices of user %s: %w", uid, err)
	}
	span.SetAttributes(attribute.Int("devices", len(devs)))

	if len(devs) == 0 {
		return nil, nil
	}

	data = make([]DeviceMonitorData, len(devs))

	// Every fetch runs to completion; none of them returns an error, so the
	// group only serves as the join point.
	var eg errgroup.Group
	for i, dev := range devs {
		i, dev := i, dev
		data[i].Device = dev
		eg.Go(func() error {
			data[i].Reading = a.latestReading(ctx, dev.ID)
			return nil
		})
		eg.Go(func() error {
			data[i].Logs = a.recentLogs(ctx, dev.ID)
			return nil
		})
	}
	eg.Wait()

	return data, nil
}

func (a *Aggregator) latestReading(ctx context.Context, deviceID string) dbtypes.Reading {
	unavailable := dbtypes.Reading{Temp: dbtypes.ReadingUnavailableTemp}

	doc, err := a.store.Get(ctx, dbtypes.ReadingsCollection, deviceID)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			glog.Warningf("Could not load reading of device %s: %v", deviceID, err)
		}
		return unavailable
	}

	reading := dbtypes.Reading{}
	if err := doc.DataTo(&reading); err != nil {
		glog.Warningf("Could not decode reading of device %s: %v", deviceID, err)
		return unavailable
	}
	return reading
}

func (a *Aggregator) recentLogs(ctx context.Context, deviceID string) []dbtypes.EventLog {
	q := docstore.Query{
		OrderBy:    "timestamp",
		Descending: true,
		Limit:      RecentLogLimit,
	}

	logs := []dbtypes.EventLog{}
	err := docstore.GetAll(a.store.Query(ctx, dbtypes.EventLogsCollection(deviceID), q), func(doc docstore.Document) error {
		entry := dbtypes.EventLog{}
		if err := doc.DataTo(&entry); err != nil {
			return fmt.Errorf("while unmarshaling log %s: %w", doc.ID(), err)
		}
		logs = append(logs, entry)
		return nil
	})
	if err != nil {
		glog.Warningf("Could not load logs of device %s: %v", deviceID, err)
		return []dbtypes.EventLog{}
	}
	return logs
}
