package devices

import (
	"context"
	"fmt"
	"time"

	"pillbox/dbtypes"
	"pillbox/docstore"
	"pillbox/session"

	"github.com/golang/glog"
)

// Initial sensor values of a freshly linked device.
const (
	InitialTemp     = 25.0
	InitialHumidity = 50.0
	InitialWeight   = 0.0
)

// Linker creates devices on behalf of the signed-in caregiver.
type Linker struct {
	store docstore.Store
	sess  *session.Context

	now func() time.Time
}

func NewLinker(store docstore.Store, sess *session.Context) *Linker {
	return &Linker{
		store: store,
		sess:  sess,
		now:   time.Now,
	}
}

// LinkDevice creates (or overwrites) the device deviceID with the signed-in
// user as caregiver, along with its initial reading, schedule and event log.
// The four documents are committed in a single transaction.
func (l *Linker) LinkDevice(ctx context.Context, deviceID, patientID, deviceName string) error {
	caregiverID, ok := l.sess.UserID()
	if !ok {
		return session.ErrAuthenticationRequired
	}

	now := l.now()
	writes := []docstore.Write{
		{
			Collection: dbtypes.DevicesCollection,
			ID:         deviceID,
			Data: &dbtypes.Device{
				Name:         deviceName,
				CaregiverUID: caregiverID,
				PatientUID:   patientID,
			},
		},
		{
			Collection: dbtypes.ReadingsCollection,
			ID:         deviceID,
			Data: &dbtypes.Reading{
				Temp:        InitialTemp,
				Humidity:    InitialHumidity,
				Weight:      InitialWeight,
				LastUpdated: now,
			},
		},
		{
			Collection: dbtypes.SchedulesCollection,
			ID:         deviceID,
			Data: &dbtypes.ScheduleConfig{
				PillWeightG: dbtypes.DefaultPillWeightG,
				Times:       dbtypes.DefaultTimes(),
			},
		},
		{
			Collection: dbtypes.EventsCollection,
			ID:         deviceID,
			Data: &dbtypes.EventsMarker{
				InitializedAt: now,
			},
		},
	}

	if err := l.store.SetAll(ctx, writes); err != nil {
		return fmt.Errorf("while linking device %s: %w", deviceID, err)
	}

	glog.Infof("Linked device %s (caregiver=%s patient=%s)", deviceID, caregiverID, patientID)
	return nil
}
