package devices

import (
	"context"
	"strings"
	"sync"

	"pillbox/dbtypes"
)

// PatientLister lists the patients a device can be linked to.
type PatientLister interface {
	ListPatients(ctx context.Context) ([]dbtypes.Patient, error)
}

// RegisterState is the state of the device registration form: one of
// RegisterLoading, RegisterPatients, RegisterError or RegisterIdle.
type RegisterState interface {
	isRegisterState()
}

type RegisterLoading struct{}

// RegisterPatients carries the patients available for selection.
type RegisterPatients struct {
	Patients []dbtypes.Patient
}

// RegisterError carries a message ready to show to the user.
type RegisterError struct {
	Message string
}

// RegisterIdle means the form is ready; it is also the state after a
// successful link.
type RegisterIdle struct{}

func (RegisterLoading) isRegisterState()  {}
func (RegisterPatients) isRegisterState() {}
func (RegisterError) isRegisterState()    {}
func (RegisterIdle) isRegisterState()     {}

// Field-level validation messages.
const (
	MsgDeviceIDRequired   = "El ID del dispositivo es obligatorio."
	MsgDeviceNameRequired = "El nombre del dispositivo es obligatorio."
	MsgPatientRequired    = "Debe seleccionar un paciente."
)

// FieldErrors maps form field names ("device_id", "device_name") to messages.
type FieldErrors map[string]string

// RegisterForm drives the "link a new device" form.
type RegisterForm struct {
	patients PatientLister
	linker   *Linker

	lock  sync.Mutex
	state RegisterState
}

func NewRegisterForm(patients PatientLister, linker *Linker) *RegisterForm {
	return &RegisterForm{
		patients: patients,
		linker:   linker,
		state:    RegisterIdle{},
	}
}

func (f *RegisterForm) State() RegisterState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state
}

func (f *RegisterForm) setState(s RegisterState) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.state = s
}

// LoadPatients fetches the selectable patients.
func (f *RegisterForm) LoadPatients(ctx context.Context) RegisterState {
	f.setState(RegisterLoading{})

	patients, err := f.patients.ListPatients(ctx)
	if err != nil {
		f.setState(RegisterError{Message: "Error al cargar pacientes: " + err.Error()})
		return f.State()
	}

	f.setState(RegisterPatients{Patients: patients})
	return f.State()
}

// Validate checks the required fields, returning nil if they are all set.
func Validate(deviceID, deviceName string) FieldErrors {
	errs := FieldErrors{}
	if strings.TrimSpace(deviceID) == "" {
		errs["device_id"] = MsgDeviceIDRequired
	}
	if strings.TrimSpace(deviceName) == "" {
		errs["device_name"] = MsgDeviceNameRequired
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Link validates the form and links the device.  Blank fields are reported
// through the returned FieldErrors without touching the state; a missing
// patient or a failed link moves the form to RegisterError.
func (f *RegisterForm) Link(ctx context.Context, deviceID string, patient *dbtypes.Patient, deviceName string) (RegisterState, FieldErrors) {
	if errs := Validate(deviceID, deviceName); errs != nil {
		return f.State(), errs
	}

	if patient == nil || patient.UID == "" {
		f.setState(RegisterError{Message: MsgPatientRequired})
		return f.State(), nil
	}

	f.setState(RegisterLoading{})
	if err := f.linker.LinkDevice(ctx, strings.TrimSpace(deviceID), patient.UID, strings.TrimSpace(deviceName)); err != nil {
		f.setState(RegisterError{Message: "Fallo al vincular: " + err.Error()})
		return f.State(), nil
	}

	f.setState(RegisterIdle{})
	return f.State(), nil
}

// ClearError returns the form to RegisterIdle.
func (f *RegisterForm) ClearError() {
	f.setState(RegisterIdle{})
}
