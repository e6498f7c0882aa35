// Package dbtypes holds the document shapes stored in the pillbox database.
//
// Every type carries both firestore and json tags with identical names, so the
// same struct round-trips through Firestore and through the embedded Badger
// store.
package dbtypes

import "time"

// Collection names.
const (
	UsersCollection       = "users"
	CredentialsCollection = "credentials"
	SessionsCollection    = "sessions"
	DevicesCollection     = "devices"
	ReadingsCollection    = "readings"
	SchedulesCollection   = "schedules"
	EventsCollection      = "events"
	AlertsCollection      = "alerts"
)

// EventLogsCollection returns the path of the log sub-collection of a device.
func EventLogsCollection(deviceID string) string {
	return EventsCollection + "/" + deviceID + "/logs"
}

// Roles, as stored in the "rol" field of a user profile.
const (
	RolePatient   = "Paciente"
	RoleCaregiver = "Cuidador"

	// RoleUnknown stands in for a role that could not be resolved.  It is
	// never stored.
	RoleUnknown = "Desconocido"
)

// Placeholders shown in place of values that are not (yet) available.
const (
	PatientNameLoading = "Cargando..."
	PatientNameError   = "Error al cargar nombre"
	PatientNameUnknown = "Paciente Desconocido"
	DeviceNameUnknown  = "Dispositivo sin nombre"
	PatientUIDUnknown  = "N/A"
)

// User is the profile of a registered person.
type User struct {
	// ID is the document key; it is not stored in the document body.
	ID string `firestore:"-" json:"-"`

	FullName string `firestore:"nombre_completo" json:"nombre_completo"`
	Role     string `firestore:"rol" json:"rol"`
	Email    string `firestore:"correo" json:"correo"`

	// RegisteredAt is a unix timestamp in milliseconds.
	RegisteredAt int64 `firestore:"fecha_registro" json:"fecha_registro"`
}

// Credential holds the password hash of one user.  Credentials are keyed by
// the lowercased email, so that an address maps to at most one account.
type Credential struct {
	Email        string `firestore:"correo" json:"correo"`
	PasswordHash string `firestore:"password_hash" json:"password_hash"`
	UID          string `firestore:"uid" json:"uid"`
}

// Session represents a log-in session for a User.
type Session struct {
	Cookie  string    `firestore:"cookie" json:"cookie"`
	UID     string    `firestore:"uid" json:"uid"`
	Expires time.Time `firestore:"expires" json:"expires"`
}

// Patient is a selectable patient when linking a new device.
type Patient struct {
	UID  string
	Name string
}

// Device is a pill dispenser linked to one caregiver and one patient.
type Device struct {
	ID string `firestore:"-" json:"-"`

	Name         string `firestore:"name" json:"name"`
	CaregiverUID string `firestore:"caregiver_uid" json:"caregiver_uid"`
	PatientUID   string `firestore:"patient_uid" json:"patient_uid"`

	// PatientName is resolved from the patient's profile and never stored.
	PatientName string `firestore:"-" json:"-"`
}

// Reading is the latest sensor snapshot of a device, written by its firmware.
type Reading struct {
	Temp        float64   `firestore:"temp" json:"temp"`
	Humidity    float64   `firestore:"humidity" json:"humidity"`
	Weight      float64   `firestore:"weight" json:"weight"`
	LastUpdated time.Time `firestore:"last_updated" json:"last_updated"`
}

// ReadingUnavailableTemp marks a Reading that could not be fetched.
const ReadingUnavailableTemp = -1.0

// Unavailable reports whether r is the placeholder for a failed fetch.
func (r Reading) Unavailable() bool {
	return r.Temp == ReadingUnavailableTemp
}

// ScheduleConfig is the dispensing configuration of a device.
type ScheduleConfig struct {
	PillWeightG float64  `firestore:"pill_weight_g" json:"pill_weight_g"`
	Times       []string `firestore:"times" json:"times"`

	LastUpdatedApp time.Time `firestore:"last_updated_app,omitempty" json:"last_updated_app,omitempty"`
}

// Schedule defaults, applied at link time and when a stored config lacks a
// weight.
const DefaultPillWeightG = 0.5

// DefaultTimes returns a fresh copy of the dispense times of a new device.
func DefaultTimes() []string {
	return []string{"08:00", "20:00"}
}

// EventsMarker is the parent document of a device's event log.
type EventsMarker struct {
	InitializedAt time.Time `firestore:"initializedAt" json:"initializedAt"`
}

// EventLog is one entry in a device's append-only history.
type EventLog struct {
	Type        string    `firestore:"type" json:"type"`
	Description string    `firestore:"description" json:"description"`
	Timestamp   time.Time `firestore:"timestamp" json:"timestamp"`
}

// AlertCursor remembers the newest event log entries a caregiver was notified
// about.  NotifiedIDs lists the entries stamped exactly LastNotifiedAt, so a
// late entry sharing that timestamp is still picked up.
type AlertCursor struct {
	LastNotifiedAt time.Time `firestore:"last_notified_at" json:"last_notified_at"`
	NotifiedIDs    []string  `firestore:"notified_ids" json:"notified_ids"`
}
