package webui

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"pillbox/dblayer"
	"pillbox/dbtypes"
	"pillbox/docstore"
	"pillbox/docstore/storetest"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gorilla/websocket"
)

type testSite struct {
	store docstore.Store
	db    *dblayer.DB
	srv   *httptest.Server
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()
	store := storetest.NewBadger(t)
	db := dblayer.New(store, "")

	mux := http.NewServeMux()
	New(store, db, "").Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testSite{store: store, db: db, srv: srv}
}

// client returns an HTTP client with its own cookie jar that does not follow
// redirects.
func (s *testSite) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// register signs up a user through the form and returns a client holding
// their session.
func (s *testSite) register(t *testing.T, email, fullName, role string) *http.Client {
	t.Helper()
	c := s.client(t)
	resp, err := c.PostForm(s.srv.URL+"/register", url.Values{
		"full_name": {fullName},
		"email":     {email},
		"password":  {"secreto"},
		"role":      {role},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Bad status registering %s; got %d, want %d", email, resp.StatusCode, http.StatusFound)
	}
	return c
}

func (s *testSite) uid(t *testing.T, email string) string {
	t.Helper()
	it := s.store.Query(context.Background(), dbtypes.UsersCollection, docstore.Query{}.Where("correo", "==", email))
	defer it.Stop()
	doc, err := it.Next()
	if err != nil {
		t.Fatalf("Unexpected error looking up %s: %v", email, err)
	}
	return doc.ID()
}

func get(t *testing.T, c *http.Client, u string) (int, string) {
	t.Helper()
	resp, err := c.Get(u)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return resp.StatusCode, string(body)
}

func post(t *testing.T, c *http.Client, u string, form url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := c.PostForm(u, form)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return resp, string(body)
}

func TestLogInFlow(t *testing.T) {
	s := newTestSite(t)
	s.register(t, "carla@example.com", "Carla", dbtypes.RoleCaregiver)

	anon := s.client(t)
	if status, _ := get(t, anon, s.srv.URL+"/panel"); status != http.StatusFound {
		t.Errorf("Bad status for anonymous panel; got %d, want %d", status, http.StatusFound)
	}

	_, body := post(t, anon, s.srv.URL+"/log-in", url.Values{"email": {"carla@example.com"}, "password": {"incorrecta"}})
	if !strings.Contains(body, "Usuario desconocido o contraseña incorrecta.") {
		t.Errorf("Wrong password was not reported:\n%s", body)
	}

	resp, _ := post(t, anon, s.srv.URL+"/log-in", url.Values{"email": {"carla@example.com"}, "password": {"secreto"}})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Bad status for log in; got %d, want %d", resp.StatusCode, http.StatusFound)
	}

	status, body := get(t, anon, s.srv.URL+"/")
	if status != http.StatusOK {
		t.Fatalf("Bad status for home; got %d", status)
	}
	for _, want := range []string{"Carla", "Registrar dispositivo"} {
		if !strings.Contains(body, want) {
			t.Errorf("Home page lacks %q:\n%s", want, body)
		}
	}

	if status, _ := get(t, anon, s.srv.URL+"/log-out"); status != http.StatusFound {
		t.Errorf("Bad status for log out; got %d", status)
	}
	if status, _ := get(t, anon, s.srv.URL+"/panel"); status != http.StatusFound {
		t.Errorf("Session survived log out; got status %d", status)
	}
}

func TestRegisterValidationMessages(t *testing.T) {
	s := newTestSite(t)
	s.register(t, "carla@example.com", "Carla", dbtypes.RoleCaregiver)

	testCases := []struct {
		desc string
		form url.Values
		want string
	}{
		{
			desc: "short password",
			form: url.Values{"full_name": {"Ana"}, "email": {"ana@example.com"}, "password": {"abc"}, "role": {dbtypes.RolePatient}},
			want: "La contraseña debe tener al menos 6 caracteres.",
		},
		{
			desc: "duplicate email",
			form: url.Values{"full_name": {"Otra"}, "email": {"carla@example.com"}, "password": {"secreto"}, "role": {dbtypes.RolePatient}},
			want: "El correo ya está registrado.",
		},
		{
			desc: "duplicate email in another case",
			form: url.Values{"full_name": {"Otra"}, "email": {"CARLA@Example.com"}, "password": {"secreto"}, "role": {dbtypes.RolePatient}},
			want: "El correo ya está registrado.",
		},
		{
			desc: "invalid email",
			form: url.Values{"full_name": {"Ana"}, "email": {"ana.example.com"}, "password": {"secreto"}, "role": {dbtypes.RolePatient}},
			want: "El correo no es válido.",
		},
		{
			desc: "bad role",
			form: url.Values{"full_name": {"Ana"}, "email": {"ana@example.com"}, "password": {"secreto"}, "role": {"Admin"}},
			want: "Seleccione un rol válido.",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			resp, body := post(t, s.client(t), s.srv.URL+"/register", tc.form)
			if resp.StatusCode != http.StatusOK {
				t.Errorf("Bad status; got %d, want %d", resp.StatusCode, http.StatusOK)
			}
			if !strings.Contains(body, tc.want) {
				t.Errorf("Page lacks %q:\n%s", tc.want, body)
			}
		})
	}
}

func TestLinkDeviceAndPanel(t *testing.T) {
	s := newTestSite(t)
	caregiver := s.register(t, "carla@example.com", "Carla", dbtypes.RoleCaregiver)
	patient := s.register(t, "luis@example.com", "Luis", dbtypes.RolePatient)
	luis := s.uid(t, "luis@example.com")

	if status, _ := get(t, patient, s.srv.URL+"/link-device"); status != http.StatusForbidden {
		t.Errorf("Bad status for patient linking a device; got %d, want %d", status, http.StatusForbidden)
	}

	_, body := post(t, caregiver, s.srv.URL+"/link-device", url.Values{"device_id": {" "}, "device_name": {"Cocina"}, "patient": {luis}})
	if !strings.Contains(body, "El ID del dispositivo es obligatorio.") {
		t.Errorf("Blank device ID was not reported:\n%s", body)
	}

	resp, body := post(t, caregiver, s.srv.URL+"/link-device", url.Values{"device_id": {"box-1"}, "device_name": {"Cocina"}, "patient": {luis}})
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "box-1") {
		t.Fatalf("Link did not succeed; status %d:\n%s", resp.StatusCode, body)
	}

	// Both ends of the link see the device.
	for _, c := range []*http.Client{caregiver, patient} {
		status, body := get(t, c, s.srv.URL+"/panel")
		if status != http.StatusOK {
			t.Fatalf("Bad status for panel; got %d", status)
		}
		for _, want := range []string{"Cocina", "Luis", "25"} {
			if !strings.Contains(body, want) {
				t.Errorf("Panel lacks %q:\n%s", want, body)
			}
		}
	}

	stranger := s.register(t, "otro@example.com", "Otro", dbtypes.RoleCaregiver)
	_, body = get(t, stranger, s.srv.URL+"/panel")
	if strings.Contains(body, "Cocina") {
		t.Errorf("Panel of an unrelated user shows the device:\n%s", body)
	}
}

func linkTestDevice(t *testing.T, s *testSite, caregiver, patient string) {
	t.Helper()
	ctx := context.Background()
	writes := []docstore.Write{
		{Collection: dbtypes.DevicesCollection, ID: "box", Data: &dbtypes.Device{Name: "Cocina", CaregiverUID: caregiver, PatientUID: patient}},
		{Collection: dbtypes.SchedulesCollection, ID: "box", Data: &dbtypes.ScheduleConfig{PillWeightG: 0.5, Times: dbtypes.DefaultTimes()}},
	}
	if err := s.store.SetAll(ctx, writes); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func storedSchedule(t *testing.T, s docstore.Store) dbtypes.ScheduleConfig {
	t.Helper()
	doc, err := s.Get(context.Background(), dbtypes.SchedulesCollection, "box")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	cfg := dbtypes.ScheduleConfig{}
	if err := doc.DataTo(&cfg); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return cfg
}

func TestScheduleEditing(t *testing.T) {
	s := newTestSite(t)
	caregiver := s.register(t, "carla@example.com", "Carla", dbtypes.RoleCaregiver)
	patient := s.register(t, "luis@example.com", "Luis", dbtypes.RolePatient)
	stranger := s.register(t, "otro@example.com", "Otro", dbtypes.RoleCaregiver)
	linkTestDevice(t, s, s.uid(t, "carla@example.com"), s.uid(t, "luis@example.com"))

	page := s.srv.URL + ScheduleLink("box")

	if status, _ := get(t, stranger, page); status != http.StatusNotFound {
		t.Errorf("Bad status for unrelated user; got %d, want %d", status, http.StatusNotFound)
	}
	if status, _ := get(t, caregiver, s.srv.URL+ScheduleLink("ghost")); status != http.StatusNotFound {
		t.Errorf("Bad status for unknown device; got %d, want %d", status, http.StatusNotFound)
	}

	status, body := get(t, caregiver, page)
	if status != http.StatusOK || !strings.Contains(body, "08:00") || !strings.Contains(body, "20:00") {
		t.Fatalf("Schedule page lacks the stored times; status %d:\n%s", status, body)
	}

	// Adding a time only changes the draft.
	_, body = post(t, caregiver, page, url.Values{
		"device": {"box"}, "times": {"08:00", "20:00"}, "weight": {"0.5"},
		"action": {"add"}, "new-time": {"9:30"},
	})
	if !strings.Contains(body, "09:30") {
		t.Errorf("Draft lacks the added time:\n%s", body)
	}
	if diff := cmp.Diff(storedSchedule(t, s.store).Times, dbtypes.DefaultTimes()); diff != "" {
		t.Errorf("Adding a time changed the stored schedule; diff (-got +want)\n%s", diff)
	}

	resp, _ := post(t, caregiver, page, url.Values{
		"device": {"box"}, "times": {"20:00", "09:30", "08:00"}, "weight": {"0,25"},
		"action": {"save"},
	})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Bad status for save; got %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if got, want := resp.Header.Get("Location"), ScheduleLink("box")+"&saved=1"; got != want {
		t.Errorf("Bad redirect after save; got %q, want %q", got, want)
	}
	want := dbtypes.ScheduleConfig{PillWeightG: 0.25, Times: []string{"08:00", "09:30", "20:00"}}
	if diff := cmp.Diff(storedSchedule(t, s.store), want, cmpopts.IgnoreFields(dbtypes.ScheduleConfig{}, "LastUpdatedApp")); diff != "" {
		t.Errorf("Bad stored schedule; diff (-got +want)\n%s", diff)
	}

	_, body = post(t, patient, page, url.Values{
		"device": {"box"}, "times": {"07:00"}, "weight": {"1"}, "action": {"save"},
	})
	if !strings.Contains(body, "Solo un cuidador puede modificar los horarios.") {
		t.Errorf("Patient save was not refused:\n%s", body)
	}
	if diff := cmp.Diff(storedSchedule(t, s.store).Times, want.Times); diff != "" {
		t.Errorf("Patient save changed the schedule; diff (-got +want)\n%s", diff)
	}

	_, body = post(t, caregiver, page, url.Values{
		"device": {"box"}, "times": {"08:00"}, "action": {"remove"}, "remove": {"08:00"},
	})
	if strings.Contains(body, `value="08:00"`) {
		t.Errorf("Removed time is still in the draft:\n%s", body)
	}
}

func TestScheduleLive(t *testing.T) {
	s := newTestSite(t)
	caregiver := s.register(t, "carla@example.com", "Carla", dbtypes.RoleCaregiver)
	linkTestDevice(t, s, s.uid(t, "carla@example.com"), "p1")

	srvURL, err := url.Parse(s.srv.URL)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	header := http.Header{}
	for _, c := range caregiver.Jar.Cookies(srvURL) {
		header.Add("Cookie", c.String())
	}

	wsURL := "ws://" + srvURL.Host + "/schedule/live?device=box"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Unexpected error dialing websocket: %v", err)
	}
	defer conn.Close()

	next := func() liveState {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		got := liveState{}
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("Unexpected error reading state: %v", err)
		}
		return got
	}

	want := liveState{State: "success", Times: []string{"08:00", "20:00"}, PillWeightG: 0.5, Role: dbtypes.RoleCaregiver}
	if diff := cmp.Diff(next(), want); diff != "" {
		t.Errorf("Bad initial state; diff (-got +want)\n%s", diff)
	}

	err = s.store.Update(context.Background(), dbtypes.SchedulesCollection, "box", map[string]interface{}{"times": []string{"07:15"}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want = liveState{State: "success", Times: []string{"07:15"}, PillWeightG: 0.5, Role: dbtypes.RoleCaregiver}
	if diff := cmp.Diff(next(), want); diff != "" {
		t.Errorf("Bad state after update; diff (-got +want)\n%s", diff)
	}
}

func TestScheduleLiveRequiresSession(t *testing.T) {
	s := newTestSite(t)

	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/schedule/live?device=box"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Bad error; got %v, want %v", err, websocket.ErrBadHandshake)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Bad status; got %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}
