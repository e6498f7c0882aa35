package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"pillbox/dbtypes"
	"pillbox/docstore"
	"pillbox/docstore/storetest"
	"pillbox/session"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type fakeRoles map[string]string

func (f fakeRoles) UserRole(ctx context.Context, uid string) (string, error) {
	role, ok := f[uid]
	if !ok {
		return "", docstore.ErrNotFound
	}
	return role, nil
}

func seedSchedule(t *testing.T, s docstore.Store, deviceID string, cfg interface{}) {
	t.Helper()
	if err := s.Set(context.Background(), dbtypes.SchedulesCollection, deviceID, cfg); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

// next waits for the next state update.
func next(t *testing.T, e *Editor) State {
	t.Helper()
	select {
	case s := <-e.Updates():
		return s
	case <-time.After(10 * time.Second):
		t.Fatalf("Timed out waiting for a state update; current state %#v", e.State())
		return nil
	}
}

// runEditor runs e until the test ends.
func runEditor(t *testing.T, e *Editor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Unexpected error from Run: %v", err)
		}
	})
}

var ignoreUpdated = cmpopts.IgnoreFields(dbtypes.ScheduleConfig{}, "LastUpdatedApp")

func TestEditorSaveRoundTrip(t *testing.T) {
	store := storetest.NewBadger(t)
	seedSchedule(t, store, "box", &dbtypes.ScheduleConfig{PillWeightG: 0.5, Times: []string{"08:00", "20:00"}})

	e := NewEditor(store, fakeRoles{"c1": dbtypes.RoleCaregiver}, session.New("c1"), "box")
	e.now = func() time.Time { return time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC) }
	if e.DeviceID() != "box" {
		t.Errorf("Bad device; got %q, want %q", e.DeviceID(), "box")
	}
	runEditor(t, e)

	want := Success{
		Config: dbtypes.ScheduleConfig{PillWeightG: 0.5, Times: []string{"08:00", "20:00"}},
		Role:   dbtypes.RoleCaregiver,
	}
	if diff := cmp.Diff(next(t, e), State(want), ignoreUpdated); diff != "" {
		t.Fatalf("Bad initial state; diff (-got +want)\n%s", diff)
	}
	if !e.CanSave() {
		t.Fatalf("Caregiver cannot save")
	}

	e.AddTime("14:00")
	e.AddTime("9:30")
	e.RemoveTime("20:00")
	e.SetWeight("0.75")

	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("Unexpected error saving: %v", err)
	}

	if diff := cmp.Diff(next(t, e), State(Saving{})); diff != "" {
		t.Errorf("Bad state; diff (-got +want)\n%s", diff)
	}
	if diff := cmp.Diff(next(t, e), State(Saved{})); diff != "" {
		t.Errorf("Bad state; diff (-got +want)\n%s", diff)
	}

	want = Success{
		Config: dbtypes.ScheduleConfig{
			PillWeightG:    0.75,
			Times:          []string{"08:00", "09:30", "14:00"},
			LastUpdatedApp: time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC),
		},
		Role: dbtypes.RoleCaregiver,
	}
	if diff := cmp.Diff(next(t, e), State(want)); diff != "" {
		t.Errorf("Bad state after save; diff (-got +want)\n%s", diff)
	}

	if diff := cmp.Diff(e.Draft().Times, []string{"08:00", "09:30", "14:00"}); diff != "" {
		t.Errorf("Draft was not reseeded from the snapshot; diff (-got +want)\n%s", diff)
	}
}

func TestEditorRoleGate(t *testing.T) {
	testCases := []struct {
		desc  string
		roles fakeRoles
	}{
		{"patient", fakeRoles{"u": dbtypes.RolePatient}},
		{"unresolved", fakeRoles{}},
		{"unrecognized role", fakeRoles{"u": "Administrador"}},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			store := storetest.NewBadger(t)
			seedSchedule(t, store, "box", &dbtypes.ScheduleConfig{PillWeightG: 0.5, Times: []string{"08:00"}})

			e := NewEditor(store, tc.roles, session.New("u"), "box")
			if err := e.Load(context.Background()); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if e.CanSave() {
				t.Errorf("Save is enabled for role %q", e.Role())
			}
			if err := e.Save(context.Background()); !errors.Is(err, ErrNotCaregiver) {
				t.Errorf("Bad error; got %v, want ErrNotCaregiver", err)
			}
			if _, ok := e.State().(Success); !ok {
				t.Errorf("Refused save changed state to %#v", e.State())
			}
		})
	}
}

func TestEditorUnresolvedRoleIsUnknown(t *testing.T) {
	store := storetest.NewBadger(t)
	e := NewEditor(store, fakeRoles{}, session.New("u"), "box")
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if e.Role() != dbtypes.RoleUnknown {
		t.Errorf("Bad role; got %q, want %q", e.Role(), dbtypes.RoleUnknown)
	}
}

func TestEditorMissingScheduleDefaults(t *testing.T) {
	store := storetest.NewBadger(t)
	if err := store.Set(context.Background(), dbtypes.SchedulesCollection, "box", map[string]interface{}{"times": []string{"10:00"}}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	e := NewEditor(store, fakeRoles{"c1": dbtypes.RoleCaregiver}, session.New("c1"), "box")
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := Success{
		Config: dbtypes.ScheduleConfig{PillWeightG: dbtypes.DefaultPillWeightG, Times: []string{"10:00"}},
		Role:   dbtypes.RoleCaregiver,
	}
	if diff := cmp.Diff(e.State(), State(want), ignoreUpdated); diff != "" {
		t.Errorf("Bad state; diff (-got +want)\n%s", diff)
	}
}

func TestEditorWeightFallsBackToStored(t *testing.T) {
	ctx := context.Background()
	store := storetest.NewBadger(t)
	seedSchedule(t, store, "box", &dbtypes.ScheduleConfig{PillWeightG: 1.5, Times: []string{"08:00"}})

	e := NewEditor(store, fakeRoles{"c1": dbtypes.RoleCaregiver}, session.New("c1"), "box")
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	e.SetWeight("no es un número")
	if err := e.Save(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	doc, err := store.Get(ctx, dbtypes.SchedulesCollection, "box")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got := dbtypes.ScheduleConfig{}
	if err := doc.DataTo(&got); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.PillWeightG != 1.5 {
		t.Errorf("Bad stored weight; got %v, want 1.5", got.PillWeightG)
	}
}

func TestEditorSaveGuards(t *testing.T) {
	ctx := context.Background()
	store := storetest.NewBadger(t)
	seedSchedule(t, store, "box", &dbtypes.ScheduleConfig{PillWeightG: 0.5, Times: []string{"08:00"}})

	e := NewEditor(store, fakeRoles{"c1": dbtypes.RoleCaregiver}, session.New("c1"), "box")
	if err := e.Save(ctx); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Bad error saving before load; got %v", err)
	}

	if err := e.Load(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	e.RemoveTime("08:00")
	if e.CanSave() {
		t.Errorf("Save is enabled with no times")
	}
	if err := e.Save(ctx); !errors.Is(err, ErrNoTimes) {
		t.Errorf("Bad error saving without times; got %v", err)
	}

	// A save in flight turns further saves into no-ops.
	e.AddTime("09:00")
	e.lock.Lock()
	e.saving = true
	e.lock.Unlock()
	if e.CanSave() {
		t.Errorf("Save is enabled while saving")
	}
	if err := e.Save(ctx); err != nil {
		t.Errorf("Unexpected error from a save while saving: %v", err)
	}
	doc, err := store.Get(ctx, dbtypes.SchedulesCollection, "box")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got := dbtypes.ScheduleConfig{}
	if err := doc.DataTo(&got); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(got.Times, []string{"08:00"}); diff != "" {
		t.Errorf("A save while saving reached the store; diff (-got +want)\n%s", diff)
	}
}

func TestEditorErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		e := NewEditor(storetest.NewBadger(t), fakeRoles{}, session.Anonymous(), "box")
		if err := e.Run(ctx); !errors.Is(err, session.ErrAuthenticationRequired) {
			t.Errorf("Bad error; got %v", err)
		}
		if diff := cmp.Diff(e.State(), State(Error{Message: MsgSessionFailed})); diff != "" {
			t.Errorf("Bad state; diff (-got +want)\n%s", diff)
		}
		if err := e.Save(ctx); !errors.Is(err, session.ErrAuthenticationRequired) {
			t.Errorf("Bad error from save; got %v", err)
		}
	})

	t.Run("subscription failure", func(t *testing.T) {
		store := storetest.NewFaulty(storetest.NewBadger(t))
		store.Fail(storetest.OpWatch, dbtypes.SchedulesCollection, "box", errors.New("permission denied"))

		e := NewEditor(store, fakeRoles{"c1": dbtypes.RoleCaregiver}, session.New("c1"), "box")
		if err := e.Run(ctx); err == nil {
			t.Errorf("Expected an error from a failed subscription")
		}
		if diff := cmp.Diff(e.State(), State(Error{Message: "Error al cargar horarios: permission denied"})); diff != "" {
			t.Errorf("Bad state; diff (-got +want)\n%s", diff)
		}
	})

	t.Run("write failure", func(t *testing.T) {
		store := storetest.NewFaulty(storetest.NewBadger(t))
		seedSchedule(t, store, "box", &dbtypes.ScheduleConfig{PillWeightG: 0.5, Times: []string{"08:00"}})
		store.Fail(storetest.OpUpdate, dbtypes.SchedulesCollection, "box", errors.New("quota exceeded"))

		e := NewEditor(store, fakeRoles{"c1": dbtypes.RoleCaregiver}, session.New("c1"), "box")
		if err := e.Load(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if err := e.Save(ctx); err == nil {
			t.Errorf("Expected an error from a failed write")
		}
		if diff := cmp.Diff(e.State(), State(Error{Message: "Fallo al guardar: quota exceeded"})); diff != "" {
			t.Errorf("Bad state; diff (-got +want)\n%s", diff)
		}
	})
}
