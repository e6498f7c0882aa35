// Package webui serves the browser interface for caregivers and patients.
package webui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pillbox/dblayer"
	"pillbox/dbtypes"
	"pillbox/devices"
	"pillbox/docstore"
	"pillbox/monitor"
	"pillbox/schedule"
	"pillbox/session"
	"pillbox/webui/uitemplates"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// SessionCookieName names the cookie carrying the session.
const SessionCookieName = "Pillbox-Session"

type WebUI struct {
	store      docstore.Store
	db         *dblayer.DB
	directory  *devices.Directory
	aggregator *monitor.Aggregator

	googleClientID string

	// logInLimiter throttles password and federated log-in attempts across
	// all clients.
	logInLimiter *rate.Limiter

	upgrader websocket.Upgrader
}

func New(store docstore.Store, db *dblayer.DB, googleClientID string) *WebUI {
	directory := devices.NewDirectory(store)
	return &WebUI{
		store:          store,
		db:             db,
		directory:      directory,
		aggregator:     monitor.NewAggregator(store, directory),
		googleClientID: googleClientID,
		logInLimiter:   rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (u *WebUI) Register(m *http.ServeMux) {
	m.HandleFunc("/", u.homeHandler)
	m.HandleFunc("/log-in", u.logInHandler)
	m.HandleFunc("/log-in/google", u.googleLogInHandler)
	m.HandleFunc("/log-out", u.logOutHandler)
	m.HandleFunc("/register", u.registerHandler)
	m.HandleFunc("/panel", u.panelHandler)
	m.HandleFunc("/link-device", u.linkDeviceHandler)
	m.HandleFunc("/schedule", u.scheduleHandler)
	m.HandleFunc("/schedule/live", u.scheduleLiveHandler)
}

// getLoggedInUser loads the user associated with the session cookie in the
// request, if it exists.
func (u *WebUI) getLoggedInUser(ctx context.Context, r *http.Request) (*dbtypes.User, error) {
	sessionCookie, err := r.Cookie(SessionCookieName)
	if err == http.ErrNoCookie {
		glog.V(1).Infof("No logged-in user because there was no session cookie.")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while reading session cookie: %w", err)
	}

	user, err := u.db.UserFromSessionCookie(ctx, sessionCookie.Value)
	if errors.Is(err, docstore.ErrNotFound) {
		// The session outlived its user.
		return nil, nil
	}
	return user, err
}

func activeUserParams(user *dbtypes.User) uitemplates.ActiveUserParams {
	if user == nil {
		return uitemplates.ActiveUserParams{}
	}
	return uitemplates.ActiveUserParams{
		LoggedIn:    true,
		FullName:    user.FullName,
		Role:        user.Role,
		IsCaregiver: user.Role == dbtypes.RoleCaregiver,
	}
}

// requireUser returns the logged-in user, or writes a redirect or an error
// and returns nil.
func (u *WebUI) requireUser(w http.ResponseWriter, r *http.Request) *dbtypes.User {
	user, err := u.getLoggedInUser(r.Context(), r)
	if err != nil {
		glog.Errorf("Error while getting logged-in user: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return nil
	}

	if user == nil {
		// User is not logged in.  Send them to log in.
		http.Redirect(w, r, "/log-in", http.StatusFound)
		return nil
	}

	return user
}

func writePage(w http.ResponseWriter, content []byte, err error) {
	if err != nil {
		glog.Errorf("Error while rendering page: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(content); err != nil {
		// It's too late to write an error to the HTTP response.
		glog.Errorf("Error while writing output: %v", err)
	}
}

// userMessage turns identity errors into messages for the user.  It returns
// "" for errors the user cannot fix.
func userMessage(err error) string {
	switch {
	case errors.Is(err, dblayer.ErrEmailMustNotBeEmpty):
		return "El correo es obligatorio."
	case errors.Is(err, dblayer.ErrInvalidEmail):
		return "El correo no es válido."
	case errors.Is(err, dblayer.ErrPasswordMustNotBeEmpty):
		return "La contraseña es obligatoria."
	case errors.Is(err, dblayer.ErrFullNameMustNotBeEmpty):
		return "El nombre completo es obligatorio."
	case errors.Is(err, dblayer.ErrPasswordTooShort):
		return "La contraseña debe tener al menos 6 caracteres."
	case errors.Is(err, dblayer.ErrUnknownRole):
		return "Seleccione un rol válido."
	case errors.Is(err, dblayer.ErrEmailAlreadyRegistered):
		return "El correo ya está registrado."
	case errors.Is(err, dblayer.ErrUnknownUserOrWrongPassword):
		return "Usuario desconocido o contraseña incorrecta."
	}
	return ""
}

func setSessionCookie(w http.ResponseWriter, sess *dbtypes.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sess.Cookie,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Expires:  sess.Expires,
	})
}

// homeHandler renders the home page.
func (u *WebUI) homeHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	user, err := u.getLoggedInUser(r.Context(), r)
	if err != nil {
		glog.Errorf("Error while getting logged-in user: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	content, err := uitemplates.HomePage(&uitemplates.HomeParams{
		ActiveUser: activeUserParams(user),
	})
	writePage(w, content, err)
}

// logInHandler renders the login page and processes the login form.
func (u *WebUI) logInHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, err := u.getLoggedInUser(ctx, r)
	if err != nil {
		glog.Errorf("Error while getting logged-in user: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	if user != nil {
		// User is already logged in.  Send them back home.
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	params := &uitemplates.LogInParams{
		GoogleClientID: u.googleClientID,
	}

	if r.Method == http.MethodPost {
		if !u.logInLimiter.Allow() {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		if err := r.ParseForm(); err != nil {
			glog.Errorf("Error while parsing form: %v", err)
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		params.Email = r.PostForm.Get("email")
		sess, err := u.db.SessionFromPassword(ctx, params.Email, r.PostForm.Get("password"))
		if err == nil {
			setSessionCookie(w, sess)
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}

		params.UserError = userMessage(err)
		if params.UserError == "" {
			glog.Errorf("Error while processing log in form: %v", err)
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}
	}

	content, err := uitemplates.LogInPage(params)
	writePage(w, content, err)
}

// googleLogInHandler receives the ID token posted by "Sign in with Google".
func (u *WebUI) googleLogInHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || u.googleClientID == "" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if !u.logInLimiter.Allow() {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	sess, err := u.db.SessionFromGoogleFederation(r.Context(), r.PostForm.Get("credential"))
	if err != nil {
		glog.Warningf("Rejected federated log in: %v", err)
		content, err := uitemplates.LogInPage(&uitemplates.LogInParams{
			GoogleClientID: u.googleClientID,
			UserError:      "No se pudo iniciar sesión con Google.",
		})
		writePage(w, content, err)
		return
	}

	setSessionCookie(w, sess)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (u *WebUI) logOutHandler(w http.ResponseWriter, r *http.Request) {
	if sessionCookie, err := r.Cookie(SessionCookieName); err == nil {
		if err := u.db.DeleteSession(r.Context(), sessionCookie.Value); err != nil {
			glog.Errorf("Error while deleting session: %v", err)
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:   SessionCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (u *WebUI) registerHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	params := &uitemplates.RegisterParams{Role: dbtypes.RolePatient}

	if r.Method == http.MethodPost {
		if !u.logInLimiter.Allow() {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		params.FullName = r.PostForm.Get("full_name")
		params.Email = r.PostForm.Get("email")
		params.Role = r.PostForm.Get("role")
		password := r.PostForm.Get("password")

		_, err := u.db.Register(ctx, params.Email, password, params.FullName, params.Role)
		if err == nil {
			sess, err := u.db.SessionFromPassword(ctx, params.Email, password)
			if err != nil {
				glog.Errorf("Error while signing in a new user: %v", err)
				http.Error(w, "Internal Error", http.StatusInternalServerError)
				return
			}
			setSessionCookie(w, sess)
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}

		params.UserError = userMessage(err)
		if params.UserError == "" {
			glog.Errorf("Error while registering user: %v", err)
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}
	}

	content, err := uitemplates.RegisterPage(params)
	writePage(w, content, err)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func ScheduleLink(deviceID string) string {
	q := url.Values{}
	q.Add("device", deviceID)
	link := &url.URL{
		Path:     "/schedule",
		RawQuery: q.Encode(),
	}
	return link.String()
}

func (u *WebUI) panelHandler(w http.ResponseWriter, r *http.Request) {
	user := u.requireUser(w, r)
	if user == nil {
		return
	}

	params := &uitemplates.PanelParams{
		ActiveUser: activeUserParams(user),
	}

	switch state := monitor.NewPanel(u.aggregator, session.New(user.ID)).Load(r.Context()).(type) {
	case monitor.PanelError:
		params.UserError = state.Message
	case monitor.PanelEmpty:
		params.Empty = true
	case monitor.PanelSuccess:
		for _, d := range state.Devices {
			pd := uitemplates.PanelDevice{
				ID:           d.Device.ID,
				Name:         d.Device.Name,
				PatientName:  d.Device.PatientName,
				ScheduleLink: ScheduleLink(d.Device.ID),
				Unavailable:  d.Reading.Unavailable(),
				Temp:         formatFloat(d.Reading.Temp),
				Humidity:     formatFloat(d.Reading.Humidity),
				Weight:       formatFloat(d.Reading.Weight),
				LastUpdated:  d.Reading.LastUpdated.Local().Format("2006-01-02 15:04"),
			}
			for _, l := range d.Logs {
				pd.Logs = append(pd.Logs, uitemplates.PanelLog{
					Type:        l.Type,
					Description: l.Description,
					Timestamp:   l.Timestamp.Local().Format("2006-01-02 15:04"),
					Alert:       strings.HasPrefix(l.Type, "ALERT"),
				})
			}
			params.Devices = append(params.Devices, pd)
		}
	}

	content, err := uitemplates.PanelPage(params)
	writePage(w, content, err)
}

func (u *WebUI) linkDeviceHandler(w http.ResponseWriter, r *http.Request) {
	user := u.requireUser(w, r)
	if user == nil {
		return
	}
	if user.Role != dbtypes.RoleCaregiver {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	form := devices.NewRegisterForm(u.db, devices.NewLinker(u.store, session.New(user.ID)))

	params := &uitemplates.LinkDeviceParams{
		ActiveUser: activeUserParams(user),
	}

	var patients []dbtypes.Patient
	switch state := form.LoadPatients(ctx).(type) {
	case devices.RegisterError:
		params.UserError = state.Message
	case devices.RegisterPatients:
		patients = state.Patients
	}
	for _, p := range patients {
		params.Patients = append(params.Patients, uitemplates.LinkDevicePatient{UID: p.UID, Name: p.Name})
	}

	if r.Method == http.MethodPost && params.UserError == "" {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		params.DeviceID = r.PostForm.Get("device_id")
		params.DeviceName = r.PostForm.Get("device_name")
		params.PatientUID = r.PostForm.Get("patient")

		var selected *dbtypes.Patient
		for i := range patients {
			if patients[i].UID == params.PatientUID {
				selected = &patients[i]
			}
		}

		state, fieldErrs := form.Link(ctx, params.DeviceID, selected, params.DeviceName)
		params.FieldErrors = fieldErrs
		switch state := state.(type) {
		case devices.RegisterError:
			params.UserError = state.Message
		case devices.RegisterIdle:
			if fieldErrs == nil {
				params.Linked = strings.TrimSpace(params.DeviceID)
				params.DeviceID, params.DeviceName, params.PatientUID = "", "", ""
			}
		}
	}

	content, err := uitemplates.LinkDevicePage(params)
	writePage(w, content, err)
}

// visibleDevice loads a device, returning nil if user is neither its
// caregiver nor its patient.
func (u *WebUI) visibleDevice(ctx context.Context, user *dbtypes.User, deviceID string) (*dbtypes.Device, error) {
	if deviceID == "" {
		return nil, nil
	}

	doc, err := u.store.Get(ctx, dbtypes.DevicesCollection, deviceID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dev := &dbtypes.Device{}
	if err := doc.DataTo(dev); err != nil {
		return nil, fmt.Errorf("while unmarshaling device %s: %w", deviceID, err)
	}
	dev.ID = deviceID

	if dev.CaregiverUID != user.ID && dev.PatientUID != user.ID {
		return nil, nil
	}
	return dev, nil
}

// requireDevice returns the device named by the "device" parameter, or writes
// an error and returns nil.
func (u *WebUI) requireDevice(w http.ResponseWriter, r *http.Request, user *dbtypes.User) *dbtypes.Device {
	dev, err := u.visibleDevice(r.Context(), user, r.FormValue("device"))
	if err != nil {
		glog.Errorf("Error while loading device: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return nil
	}
	if dev == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return nil
	}
	return dev
}

func saveRefusal(err error) string {
	switch {
	case errors.Is(err, schedule.ErrNotCaregiver):
		return "Solo un cuidador puede modificar los horarios."
	case errors.Is(err, schedule.ErrNoTimes):
		return "Agregue al menos una hora."
	case errors.Is(err, schedule.ErrNotLoaded):
		return "Los horarios aún no se han cargado."
	}
	return ""
}

func (u *WebUI) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	user := u.requireUser(w, r)
	if user == nil {
		return
	}
	dev := u.requireDevice(w, r, user)
	if dev == nil {
		return
	}

	ctx := r.Context()
	editor := schedule.NewEditor(u.store, u.db, session.New(user.ID), dev.ID)

	params := &uitemplates.ScheduleParams{
		ActiveUser: activeUserParams(user),
		DeviceID:   editor.DeviceID(),
		Saved:      r.FormValue("saved") == "1",
		LiveLink:   "/schedule/live?" + url.Values{"device": {editor.DeviceID()}}.Encode(),
	}

	if err := editor.Load(ctx); err != nil {
		glog.Warningf("Error while loading schedule of device %s: %v", editor.DeviceID(), err)
	}

	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		params.Saved = false

		editor.ReplaceDraft(schedule.Draft{
			Times:      r.PostForm["times"],
			WeightText: r.PostForm.Get("weight"),
		})

		newTime := r.PostForm.Get("new-time")
		switch r.PostForm.Get("action") {
		case "remove":
			editor.RemoveTime(r.PostForm.Get("remove"))
		case "add":
			editor.AddTime(newTime)
		default:
			if newTime != "" {
				editor.AddTime(newTime)
			}
			err := editor.Save(ctx)
			if err == nil {
				http.Redirect(w, r, ScheduleLink(editor.DeviceID())+"&saved=1", http.StatusFound)
				return
			}
			params.UserError = saveRefusal(err)
		}
	}

	if state, ok := editor.State().(schedule.Error); ok {
		params.UserError = state.Message
	}

	draft := editor.Draft()
	params.Times = draft.Times
	params.WeightText = draft.WeightText
	params.CanSave = editor.CanSave()
	params.Role = editor.Role()

	content, err := uitemplates.SchedulePage(params)
	writePage(w, content, err)
}

// liveState is the JSON form of a schedule.State.
type liveState struct {
	State       string   `json:"state"`
	Times       []string `json:"times,omitempty"`
	PillWeightG float64  `json:"pill_weight_g,omitempty"`
	Role        string   `json:"role,omitempty"`
	Message     string   `json:"message,omitempty"`
}

func toLiveState(s schedule.State) liveState {
	switch s := s.(type) {
	case schedule.Loading:
		return liveState{State: "loading"}
	case schedule.Success:
		return liveState{State: "success", Times: s.Config.Times, PillWeightG: s.Config.PillWeightG, Role: s.Role}
	case schedule.Saving:
		return liveState{State: "saving"}
	case schedule.Saved:
		return liveState{State: "saved"}
	case schedule.Error:
		return liveState{State: "error", Message: s.Message}
	}
	return liveState{State: "unknown"}
}

// scheduleLiveHandler streams the states of a schedule editor over a
// websocket until the client goes away.
func (u *WebUI) scheduleLiveHandler(w http.ResponseWriter, r *http.Request) {
	user, err := u.getLoggedInUser(r.Context(), r)
	if err != nil {
		glog.Errorf("Error while getting logged-in user: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}
	if user == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	dev := u.requireDevice(w, r, user)
	if dev == nil {
		return
	}

	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		glog.Warningf("Error while upgrading to websocket: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends anything; reading only notices it going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	editor := schedule.NewEditor(u.store, u.db, session.New(user.ID), dev.ID)
	runDone := make(chan error, 1)
	go func() { runDone <- editor.Run(ctx) }()

	send := func(s schedule.State) bool {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(toLiveState(s)); err != nil {
			glog.V(1).Infof("Websocket for device %s closed: %v", editor.DeviceID(), err)
			return false
		}
		return true
	}

	for {
		select {
		case s := <-editor.Updates():
			if !send(s) {
				return
			}
		case err := <-runDone:
			// Flush whatever Run emitted before it stopped.
			for {
				select {
				case s := <-editor.Updates():
					if !send(s) {
						return
					}
					continue
				default:
				}
				break
			}
			if err != nil {
				glog.Warningf("Schedule subscription of device %s ended: %v", editor.DeviceID(), err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}
