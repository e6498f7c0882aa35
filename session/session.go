// Package session carries the identity of the signed-in user.
//
// A Context is built once per process (CLI) or once per request (web UI) and
// handed to every component that needs to know who is acting.
package session

import "errors"

// ErrAuthenticationRequired is returned when an operation needs a signed-in
// user and there is none.
var ErrAuthenticationRequired = errors.New("usuario no autenticado")

// Context identifies the signed-in user.  A nil *Context is a valid context
// with nobody signed in.
type Context struct {
	uid string
}

// New returns a context for the user with the given identifier.  An empty uid
// yields an anonymous context.
func New(uid string) *Context {
	return &Context{uid: uid}
}

// Anonymous returns a context with nobody signed in.
func Anonymous() *Context {
	return &Context{}
}

// UserID returns the signed-in user's identifier and whether there is one.
func (c *Context) UserID() (string, bool) {
	if c == nil || c.uid == "" {
		return "", false
	}
	return c.uid, true
}
