// Package dblayer packages up the identity side of the database: user
// registration, sessions, role lookups and the patient directory.
package dblayer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"pillbox/dbtypes"
	"pillbox/docstore"
	"pillbox/session"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/iterator"
)

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 6

// SessionLifetime is how long a session cookie stays valid.
const SessionLifetime = 18 * time.Hour

var (
	ErrEmailMustNotBeEmpty        = errors.New("email must not be empty")
	ErrInvalidEmail               = errors.New("email must look like user@domain")
	ErrPasswordMustNotBeEmpty     = errors.New("password must not be empty")
	ErrFullNameMustNotBeEmpty     = errors.New("full name must not be empty")
	ErrPasswordTooShort           = errors.New("password must be at least 6 characters")
	ErrUnknownRole                = errors.New("role must be Paciente or Cuidador")
	ErrEmailAlreadyRegistered     = errors.New("email is already registered")
	ErrUnknownUserOrWrongPassword = errors.New("unknown user or wrong password")
)

type DB struct {
	store               docstore.Store
	googleOAuthClientID string

	now func() time.Time
}

func New(store docstore.Store, googleOAuthClientID string) *DB {
	return &DB{
		store:               store,
		googleOAuthClientID: googleOAuthClientID,
		now:                 time.Now,
	}
}

// NormalizeEmail folds an email address to the form credentials are keyed by.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// checkEmail rejects addresses that cannot name a credential document.
func checkEmail(email string) error {
	if email == "" {
		return ErrEmailMustNotBeEmpty
	}
	if !strings.Contains(email, "@") || strings.Contains(email, "/") {
		return ErrInvalidEmail
	}
	return nil
}

// Register creates a user profile and its password credential.  The
// credential is keyed by the normalized email and created only if absent, so
// concurrent registrations of one address leave exactly one account.
func (db *DB) Register(ctx context.Context, email, password, fullName, role string) (string, error) {
	email = NormalizeEmail(email)
	fullName = strings.TrimSpace(fullName)

	if err := checkEmail(email); err != nil {
		return "", err
	}
	if fullName == "" {
		return "", ErrFullNameMustNotBeEmpty
	}
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	if role != dbtypes.RolePatient && role != dbtypes.RoleCaregiver {
		return "", ErrUnknownRole
	}

	existing, err := db.credentialUID(ctx, email)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return "", ErrEmailAlreadyRegistered
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("while hashing password: %w", err)
	}

	uid := uuid.NewString()
	writes := []docstore.Write{
		{
			Collection: dbtypes.UsersCollection,
			ID:         uid,
			Data: &dbtypes.User{
				FullName:     fullName,
				Role:         role,
				Email:        email,
				RegisteredAt: db.now().UnixMilli(),
			},
		},
		{
			Collection: dbtypes.CredentialsCollection,
			ID:         email,
			Data: &dbtypes.Credential{
				Email:        email,
				PasswordHash: string(hash),
				UID:          uid,
			},
			Create: true,
		},
	}
	err = db.store.SetAll(ctx, writes)
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return "", ErrEmailAlreadyRegistered
	}
	if err != nil {
		return "", fmt.Errorf("while storing user %q: %w", email, err)
	}

	glog.Infof("Registered user %s with role %s", uid, role)
	return uid, nil
}

// credential loads the credential stored under a normalized email.  It
// returns nil if there is none.
func (db *DB) credential(ctx context.Context, email string) (*dbtypes.Credential, error) {
	doc, err := db.store.Get(ctx, dbtypes.CredentialsCollection, email)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while looking up credential for %q: %w", email, err)
	}

	cred := &dbtypes.Credential{}
	if err := doc.DataTo(cred); err != nil {
		return nil, fmt.Errorf("while unmarshaling credential %q: %w", email, err)
	}
	return cred, nil
}

// credentialUID returns the uid of the credential with the given normalized
// email, or "" if there is none.
func (db *DB) credentialUID(ctx context.Context, email string) (string, error) {
	cred, err := db.credential(ctx, email)
	if err != nil || cred == nil {
		return "", err
	}
	return cred.UID, nil
}

// SessionFromPassword runs the password-based login process for a given user,
// returning a session or an error.
func (db *DB) SessionFromPassword(ctx context.Context, email, password string) (*dbtypes.Session, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrEmailMustNotBeEmpty
	}

	if password == "" {
		return nil, ErrPasswordMustNotBeEmpty
	}

	if checkEmail(email) != nil {
		return nil, ErrUnknownUserOrWrongPassword
	}
	cred, err := db.credential(ctx, email)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrUnknownUserOrWrongPassword
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return nil, ErrUnknownUserOrWrongPassword
	}

	return db.newSession(ctx, cred.UID)
}

// SessionFromGoogleFederation signs in a user based on a Google identity token
// returned from the "Sign in with Google" process.
func (db *DB) SessionFromGoogleFederation(ctx context.Context, idToken string) (*dbtypes.Session, error) {
	payload, err := idtoken.Validate(ctx, idToken, db.googleOAuthClientID)
	if err != nil {
		return nil, fmt.Errorf("while validating ID token: %w", err)
	}

	claim, _ := payload.Claims["email"].(string)
	email := NormalizeEmail(claim)
	if err := checkEmail(email); err != nil {
		return nil, err
	}

	uid, err := db.credentialUID(ctx, email)
	if err != nil {
		return nil, err
	}

	// TODO: Autocreate the profile once registration asks federated users for
	// their role.
	if uid == "" {
		return nil, ErrUnknownUserOrWrongPassword
	}

	return db.newSession(ctx, uid)
}

func (db *DB) newSession(ctx context.Context, uid string) (*dbtypes.Session, error) {
	sessionCookieBytes := make([]byte, 32)
	if _, err := rand.Read(sessionCookieBytes); err != nil {
		return nil, fmt.Errorf("while generating session cookie: %w", err)
	}

	sess := &dbtypes.Session{
		Cookie:  base64.StdEncoding.EncodeToString(sessionCookieBytes),
		UID:     uid,
		Expires: db.now().Add(SessionLifetime),
	}
	if _, err := db.store.Add(ctx, dbtypes.SessionsCollection, sess); err != nil {
		return nil, fmt.Errorf("while storing session cookie: %w", err)
	}

	return sess, nil
}

// DeleteSession deletes a session by its cookie.
func (db *DB) DeleteSession(ctx context.Context, cookie string) error {
	var ids []string
	err := docstore.GetAll(
		db.store.Query(ctx, dbtypes.SessionsCollection, docstore.Query{}.Where("cookie", "==", cookie)),
		func(doc docstore.Document) error {
			ids = append(ids, doc.ID())
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("while looking up session: %w", err)
	}

	for _, id := range ids {
		if err := db.store.Delete(ctx, dbtypes.SessionsCollection, id); err != nil {
			return fmt.Errorf("while deleting session: %w", err)
		}
	}

	return nil
}

// UserFromSessionCookie looks up a session from its cookie, and then returns
// the corresponding user.  It returns a nil user if the session is unknown or
// expired.
func (db *DB) UserFromSessionCookie(ctx context.Context, cookie string) (*dbtypes.User, error) {
	it := db.store.Query(ctx, dbtypes.SessionsCollection, docstore.Query{Limit: 1}.Where("cookie", "==", cookie))
	defer it.Stop()

	sessionDoc, err := it.Next()
	if err == iterator.Done {
		// Session object must have been cleaned up; user is not logged in.
		glog.V(1).Infof("No logged-in user because there was no session object corresponding to the cookie in the database.")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while looking up session: %w", err)
	}

	sess := &dbtypes.Session{}
	if err := sessionDoc.DataTo(sess); err != nil {
		return nil, fmt.Errorf("while unmarshaling session: %w", err)
	}

	if sess.Expires.Before(db.now()) {
		glog.V(1).Infof("No logged-in user because the session object in the database was expired.")
		return nil, nil
	}

	return db.GetUser(ctx, sess.UID)
}

// GetUser loads a user profile.
func (db *DB) GetUser(ctx context.Context, uid string) (*dbtypes.User, error) {
	doc, err := db.store.Get(ctx, dbtypes.UsersCollection, uid)
	if err != nil {
		return nil, fmt.Errorf("while getting user %s: %w", uid, err)
	}

	user := &dbtypes.User{}
	if err := doc.DataTo(user); err != nil {
		return nil, fmt.Errorf("while unmarshaling user %s: %w", uid, err)
	}
	user.ID = uid

	return user, nil
}

// UserRole returns the declared role of a user.
func (db *DB) UserRole(ctx context.Context, uid string) (string, error) {
	user, err := db.GetUser(ctx, uid)
	if err != nil {
		return "", err
	}
	return user.Role, nil
}

// ListPatients returns every user registered as a patient.
func (db *DB) ListPatients(ctx context.Context) ([]dbtypes.Patient, error) {
	var patients []dbtypes.Patient
	err := docstore.GetAll(
		db.store.Query(ctx, dbtypes.UsersCollection, docstore.Query{}.Where("rol", "==", dbtypes.RolePatient)),
		func(doc docstore.Document) error {
			user := &dbtypes.User{}
			if err := doc.DataTo(user); err != nil {
				return fmt.Errorf("while unmarshaling user %s: %w", doc.ID(), err)
			}
			name := user.FullName
			if name == "" {
				name = dbtypes.PatientNameUnknown
			}
			patients = append(patients, dbtypes.Patient{UID: doc.ID(), Name: name})
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("while listing patients: %w", err)
	}
	return patients, nil
}

// RoleResolver looks up the declared role of a user.
type RoleResolver interface {
	UserRole(ctx context.Context, uid string) (string, error)
}

// RoleState is the outcome of resolving the signed-in user's role: one of
// RoleFound or RoleNotFound.
type RoleState interface {
	isRoleState()
}

// RoleFound carries the resolved role ("Cuidador" or "Paciente").
type RoleFound struct {
	Role string
}

// RoleNotFound means nobody is signed in or the profile could not be read.
type RoleNotFound struct{}

func (RoleFound) isRoleState()    {}
func (RoleNotFound) isRoleState() {}

// IsCaregiver reports whether s resolved to the caregiver role.
func IsCaregiver(s RoleState) bool {
	found, ok := s.(RoleFound)
	return ok && found.Role == dbtypes.RoleCaregiver
}

// ResolveRole resolves the role of the user signed in to sess.
func ResolveRole(ctx context.Context, roles RoleResolver, sess *session.Context) RoleState {
	uid, ok := sess.UserID()
	if !ok {
		return RoleNotFound{}
	}

	role, err := roles.UserRole(ctx, uid)
	if err != nil || role == "" {
		if err != nil {
			glog.Warningf("Could not resolve role of user %s: %v", uid, err)
		}
		return RoleNotFound{}
	}
	return RoleFound{Role: role}
}
