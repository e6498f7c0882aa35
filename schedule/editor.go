package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pillbox/dblayer"
	"pillbox/dbtypes"
	"pillbox/docstore"
	"pillbox/session"

	"github.com/golang/glog"
)

var (
	ErrNotCaregiver = errors.New("only a caregiver may change the schedule")
	ErrNoTimes      = errors.New("the schedule needs at least one time")
	ErrNotLoaded    = errors.New("the schedule has not been loaded yet")
)

// User-facing messages.
const (
	MsgSessionFailed = "Fallo de sesión: Usuario no autenticado."
	msgLoadFailed    = "Error al cargar horarios: "
	msgSaveFailed    = "Fallo al guardar: "
)

// updatesBuffer is how many states an Updates consumer may fall behind
// before states are dropped.  State always returns the latest one.
const updatesBuffer = 64

// State is the state of an Editor: one of Loading, Success, Saving, Saved or
// Error.
type State interface {
	isState()
}

type Loading struct{}

// Success carries the latest stored configuration and the role of the
// signed-in user.
type Success struct {
	Config dbtypes.ScheduleConfig
	Role   string
}

// Saving means a save is in flight.
type Saving struct{}

// Saved is emitted once after a successful save.  The next snapshot of the
// configuration replaces it with Success.
type Saved struct{}

// Error carries a message ready to show to the user.
type Error struct {
	Message string
}

func (Loading) isState() {}
func (Success) isState() {}
func (Saving) isState()  {}
func (Saved) isState()   {}
func (Error) isState()   {}

// storedConfig decodes a schedule document, telling a missing weight apart
// from a zero one.
type storedConfig struct {
	PillWeightG    *float64  `firestore:"pill_weight_g" json:"pill_weight_g"`
	Times          []string  `firestore:"times" json:"times"`
	LastUpdatedApp time.Time `firestore:"last_updated_app" json:"last_updated_app"`
}

func decodeConfig(doc docstore.Document) (dbtypes.ScheduleConfig, error) {
	cfg := dbtypes.ScheduleConfig{
		PillWeightG: dbtypes.DefaultPillWeightG,
		Times:       []string{},
	}
	if !doc.Exists() {
		return cfg, nil
	}

	stored := storedConfig{}
	if err := doc.DataTo(&stored); err != nil {
		return cfg, fmt.Errorf("while unmarshaling schedule %s: %w", doc.ID(), err)
	}
	if stored.PillWeightG != nil {
		cfg.PillWeightG = *stored.PillWeightG
	}
	if stored.Times != nil {
		cfg.Times = stored.Times
	}
	cfg.LastUpdatedApp = stored.LastUpdatedApp
	return cfg, nil
}

// Editor follows the live schedule of one device and saves local edits back
// to it.
//
// Run must be running for the Editor to leave Loading.  Draft edits and Save
// may be called from any goroutine.
type Editor struct {
	store    docstore.Store
	roles    dblayer.RoleResolver
	sess     *session.Context
	deviceID string

	now func() time.Time

	updates chan State

	lock    sync.Mutex
	state   State
	role    string
	config  dbtypes.ScheduleConfig
	loaded  bool
	draft   Draft
	saving  bool
	pending bool
}

func NewEditor(store docstore.Store, roles dblayer.RoleResolver, sess *session.Context, deviceID string) *Editor {
	return &Editor{
		store:    store,
		roles:    roles,
		sess:     sess,
		deviceID: deviceID,
		now:      time.Now,
		updates:  make(chan State, updatesBuffer),
		state:    Loading{},
		role:     dbtypes.RoleUnknown,
	}
}

// DeviceID returns the device whose schedule is edited.
func (e *Editor) DeviceID() string {
	return e.deviceID
}

// Updates delivers every state transition, in order.  A consumer that falls
// too far behind misses states.
func (e *Editor) Updates() <-chan State {
	return e.updates
}

// State returns the current state.
func (e *Editor) State() State {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.state
}

// Draft returns a copy of the current draft.
func (e *Editor) Draft() Draft {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.draft.clone()
}

// Role returns the resolved role of the signed-in user, or "Desconocido".
func (e *Editor) Role() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.role
}

// setStateLocked must be called with lock held.
func (e *Editor) setStateLocked(s State) {
	e.state = s
	select {
	case e.updates <- s:
	default:
		glog.Warningf("Dropping schedule state update for device %s; consumer is behind", e.deviceID)
	}
}

func (e *Editor) setState(s State) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.setStateLocked(s)
}

// Run resolves the user's role and then follows the stored schedule until
// ctx is cancelled or the subscription fails.  A cancelled ctx is not an
// error.
func (e *Editor) Run(ctx context.Context) error {
	if _, ok := e.sess.UserID(); !ok {
		e.setState(Error{Message: MsgSessionFailed})
		return session.ErrAuthenticationRequired
	}

	e.resolveRole(ctx)

	it := e.store.Watch(ctx, dbtypes.SchedulesCollection, e.deviceID)
	defer it.Stop()

	for {
		doc, err := it.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.setState(Error{Message: msgLoadFailed + err.Error()})
			return fmt.Errorf("while watching schedule of device %s: %w", e.deviceID, err)
		}

		cfg, err := decodeConfig(doc)
		if err != nil {
			e.setState(Error{Message: msgLoadFailed + err.Error()})
			return err
		}

		e.applySnapshot(cfg)
	}
}

func (e *Editor) resolveRole(ctx context.Context) {
	role := dbtypes.RoleUnknown
	if found, ok := dblayer.ResolveRole(ctx, e.roles, e.sess).(dblayer.RoleFound); ok {
		role = found.Role
	}
	e.lock.Lock()
	e.role = role
	e.lock.Unlock()
}

// Load resolves the user's role and reads the stored schedule once, for
// callers that edit and save without following the schedule live.
func (e *Editor) Load(ctx context.Context) error {
	if _, ok := e.sess.UserID(); !ok {
		e.setState(Error{Message: MsgSessionFailed})
		return session.ErrAuthenticationRequired
	}

	e.resolveRole(ctx)

	doc, err := e.store.Get(ctx, dbtypes.SchedulesCollection, e.deviceID)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		e.setState(Error{Message: msgLoadFailed + err.Error()})
		return fmt.Errorf("while loading schedule of device %s: %w", e.deviceID, err)
	}

	cfg := dbtypes.ScheduleConfig{PillWeightG: dbtypes.DefaultPillWeightG, Times: []string{}}
	if err == nil {
		cfg, err = decodeConfig(doc)
		if err != nil {
			e.setState(Error{Message: msgLoadFailed + err.Error()})
			return err
		}
	}

	e.applySnapshot(cfg)
	return nil
}

func (e *Editor) applySnapshot(cfg dbtypes.ScheduleConfig) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.config = cfg
	e.loaded = true
	e.draft = NewDraft(cfg)

	if e.saving {
		e.pending = true
		return
	}
	e.setStateLocked(Success{Config: cfg, Role: e.role})
}

// AddTime adds a time to the draft; see Draft.AddTime.
func (e *Editor) AddTime(t string) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.draft.AddTime(t)
}

// RemoveTime removes a time from the draft.
func (e *Editor) RemoveTime(t string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.draft.RemoveTime(t)
}

// ReplaceDraft discards the current draft in favor of d.  Times in d are
// validated and sorted as if added one by one.
func (e *Editor) ReplaceDraft(d Draft) {
	draft := Draft{Times: []string{}, WeightText: d.WeightText}
	for _, t := range d.Times {
		draft.AddTime(t)
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	e.draft = draft
}

// SetWeight replaces the draft's weight text.  It is parsed on save.
func (e *Editor) SetWeight(text string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.draft.WeightText = text
}

// CanSave reports whether the save action is available: the user is a
// caregiver, the draft has at least one time and no save is in flight.
func (e *Editor) CanSave() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.loaded && e.role == dbtypes.RoleCaregiver && len(e.draft.Times) > 0 && !e.saving
}

// Save writes the draft to the store.  It is a no-op while another save is
// in flight.  Saves refused by the role or draft checks return an error
// without changing state; failed writes move the editor to Error.
func (e *Editor) Save(ctx context.Context) error {
	e.lock.Lock()
	if e.saving {
		e.lock.Unlock()
		return nil
	}
	if _, ok := e.sess.UserID(); !ok {
		e.setStateLocked(Error{Message: MsgSessionFailed})
		e.lock.Unlock()
		return session.ErrAuthenticationRequired
	}
	if !e.loaded {
		e.lock.Unlock()
		return ErrNotLoaded
	}
	if e.role != dbtypes.RoleCaregiver {
		e.lock.Unlock()
		return ErrNotCaregiver
	}
	if len(e.draft.Times) == 0 {
		e.lock.Unlock()
		return ErrNoTimes
	}

	fields := map[string]interface{}{
		"pill_weight_g":    e.draft.Weight(e.config.PillWeightG),
		"times":            SortTimes(e.draft.Times),
		"last_updated_app": e.now(),
	}
	e.saving = true
	e.pending = false
	e.setStateLocked(Saving{})
	e.lock.Unlock()

	err := e.store.Update(ctx, dbtypes.SchedulesCollection, e.deviceID, fields)

	e.lock.Lock()
	defer e.lock.Unlock()
	e.saving = false

	if err != nil {
		e.setStateLocked(Error{Message: msgSaveFailed + err.Error()})
		return fmt.Errorf("while saving schedule of device %s: %w", e.deviceID, err)
	}

	glog.Infof("Saved schedule of device %s", e.deviceID)
	e.setStateLocked(Saved{})
	if e.pending {
		e.pending = false
		e.setStateLocked(Success{Config: e.config, Role: e.role})
	}
	return nil
}
