// Package devices resolves which pillboxes a user may see and links new ones
// to a caregiver and a patient.
package devices

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

// Directory lists the devices visible to a user.
type Directory struct {
	store docstore.Store
}

func NewDirectory(store docstore.Store) *Directory {
	return &Directory{store: store}
}

// ListDevicesForUser returns every device on which uid is the caregiver or
// the patient, each listed once, with PatientName resolved from the patient's
// profile.
//
// Devices found through the caregiver query come first, followed by those
// only found through the patient query, each group in store order.
func (d *Directory) ListDevicesForUser(ctx context.Context, uid string) (devs []*dbtypes.Device, err error) {
	tracer := otel.Tracer("pillbox/devices")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Directory.ListDevicesForUser")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var asCaregiver, asPatient []*dbtypes.Device

	// No derived context: one failing query must not cancel the other.
	var eg errgroup.Group
	eg.Go(func() error {
		var err error
		asCaregiver, err = d.queryDevices(ctx, "caregiver_uid", uid)
		return err
	})
	eg.Go(func() error {
		var err error
		asPatient, err = d.queryDevices(ctx, "patient_uid", uid)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, group := range [][]*dbtypes.Device{asCaregiver, asPatient} {
		for _, dev := range group {
			if seen[dev.ID] {
				continue
			}
			seen[dev.ID] = true
			devs = append(devs, dev)
		}
	}

	span.SetAttributes(attribute.Int("devices", len(devs)))

	d.resolvePatientNames(ctx, devs)
	return devs, nil
}

func (d *Directory) queryDevices(ctx context.Context, field, uid string) ([]*dbtypes.Device, error) {
	var devs []*dbtypes.Device
	err := docstore.GetAll(
		d.store.Query(ctx, dbtypes.DevicesCollection, docstore.Query{}.Where(field, "==", uid)),
		func(doc docstore.Document) error {
			dev := &dbtypes.Device{}
			if err := doc.DataTo(dev); err != nil {
				return fmt.Errorf("while unmarshaling device %s: %w", doc.ID(), err)
			}
			dev.ID = doc.ID()
			if dev.Name == "" {
				dev.Name = dbtypes.DeviceNameUnknown
			}
			if dev.PatientUID == "" {
				dev.PatientUID = dbtypes.PatientUIDUnknown
			}
			dev.PatientName = dbtypes.PatientNameLoading
			devs = append(devs, dev)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("while querying devices by %s: %w", field, err)
	}
	return devs, nil
}

// resolvePatientNames fills in PatientName for every device concurrently.  A
// failed lookup leaves the error placeholder on that device only.
func (d *Directory) resolvePatientNames(ctx context.Context, devs []*dbtypes.Device) {
	var eg errgroup.Group
	for _, dev := range devs {
		dev := dev
		eg.Go(func() error {
			dev.PatientName = d.patientName(ctx, dev.PatientUID)
			return nil
		})
	}
	eg.Wait()
}

func (d *Directory) patientName(ctx context.Context, uid string) string {
	doc, err := d.store.Get(ctx, dbtypes.UsersCollection, uid)
	if errors.Is(err, docstore.ErrNotFound) {
		return dbtypes.PatientNameUnknown
	}
	if err != nil {
		glog.Warningf("Could not load name of patient %s: %v", uid, err)
		return dbtypes.PatientNameError
	}

	user := &dbtypes.User{}
	if err := doc.DataTo(user); err != nil {
		glog.Warningf("Could not decode profile of patient %s: %v", uid, err)
		return dbtypes.PatientNameError
	}
	if user.FullName == "" {
		return dbtypes.PatientNameUnknown
	}
	return user.FullName
}
