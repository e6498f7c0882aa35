// Package docstore is the thin client every other package uses to reach the
// document database.
//
// Documents live in collections addressed by slash-separated paths
// ("devices", "events/abc/logs") and are keyed by an id within the
// collection.  Two backends implement Store: Firestore for deployments and an
// embedded Badger database for local use and tests.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/iterator"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrUnsupportedFilter = errors.New("unsupported filter operator")
	ErrAlreadyExists     = errors.New("document already exists")
)

// Document is an immutable snapshot of a single document.
type Document interface {
	// ID is the document key within its collection.
	ID() string

	// Exists is false for a snapshot of a document that does not exist.
	Exists() bool

	// DataTo decodes the document body into dst, which must be a pointer to
	// a struct tagged for both backends, or to a map[string]interface{}.
	DataTo(dst interface{}) error
}

// DocumentIterator yields documents one at a time.  Next returns
// iterator.Done once exhausted.  Stop must be called when the caller is done
// with the iterator.
type DocumentIterator interface {
	Next() (Document, error)
	Stop()
}

// Filter restricts a query to documents whose field at Path compares to
// Value.  Op is one of "==", "<", "<=", ">", ">=".
type Filter struct {
	Path  string
	Op    string
	Value interface{}
}

// Query selects documents from a single collection.
type Query struct {
	Filters []Filter

	// OrderBy, if not empty, orders results by the given field.
	OrderBy    string
	Descending bool

	// Limit, if positive, caps the number of results.
	Limit int
}

// Where returns a copy of q with an additional filter.
func (q Query) Where(path, op string, value interface{}) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Path: path, Op: op, Value: value})
	return q
}

// Write is one document replacement inside an atomic SetAll.
type Write struct {
	Collection string
	ID         string
	Data       interface{}

	// Create makes the write fail with ErrAlreadyExists, aborting the whole
	// SetAll, if the document is already present.
	Create bool
}

// Store is the document database client.
type Store interface {
	// Get returns the document, or an error wrapping ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Set creates or replaces the document.
	Set(ctx context.Context, collection, id string, data interface{}) error

	// Update replaces the given top-level fields of an existing document.  It
	// fails with ErrNotFound if the document does not exist.
	Update(ctx context.Context, collection, id string, fields map[string]interface{}) error

	// Add creates a document under a generated id and returns that id.
	Add(ctx context.Context, collection string, data interface{}) (string, error)

	// Delete removes the document.  Deleting a missing document is not an
	// error.
	Delete(ctx context.Context, collection, id string) error

	// SetAll replaces every given document in a single transaction: either
	// all writes are applied or none are.  Writes marked Create fail the
	// transaction with ErrAlreadyExists if their document exists.
	SetAll(ctx context.Context, writes []Write) error

	// Query runs q against the collection.
	Query(ctx context.Context, collection string, q Query) DocumentIterator

	// Watch subscribes to a document.  The first call to Next returns the
	// current state of the document (which may not exist); each later call
	// blocks until the document changes.  The subscription ends when ctx is
	// cancelled or Stop is called.
	Watch(ctx context.Context, collection, id string) DocumentIterator

	Close() error
}

// GetAll drains an iterator, decoding each document with decode.
func GetAll(it DocumentIterator, decode func(Document) error) error {
	defer it.Stop()
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("while iterating documents: %w", err)
		}
		if err := decode(doc); err != nil {
			return err
		}
	}
}

// Open returns the Firestore store for dataProject if it is set, otherwise a
// Badger store rooted at badgerDir.
func Open(ctx context.Context, dataProject, badgerDir string) (Store, error) {
	if dataProject != "" {
		return OpenFirestore(ctx, dataProject)
	}
	if badgerDir == "" {
		return nil, errors.New("one of data project or badger directory must be set")
	}
	return OpenBadger(badgerDir)
}

// Healthy returns a readiness check that reads a document that is not
// expected to exist.
func Healthy(s Store) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.Get(ctx, "healthz", "probe")
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	}
}
