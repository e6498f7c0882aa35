// Package storetest provides document stores for tests.
package storetest

import (
	"context"
	"sync"
	"testing"

	"pillbox/docstore"
)

// NewBadger returns an empty Badger store in a temporary directory, closed
// when the test ends.
func NewBadger(t *testing.T) *docstore.BadgerStore {
	t.Helper()
	s, err := docstore.OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Op names an operation of docstore.Store.
type Op string

const (
	OpGet    Op = "Get"
	OpSet    Op = "Set"
	OpUpdate Op = "Update"
	OpAdd    Op = "Add"
	OpDelete Op = "Delete"
	OpSetAll Op = "SetAll"
	OpQuery  Op = "Query"
	OpWatch  Op = "Watch"
)

// Faulty wraps a store and fails chosen operations on chosen collections.
type Faulty struct {
	docstore.Store

	lock  sync.Mutex
	fails map[faultKey]error
}

type faultKey struct {
	op         Op
	collection string
	id         string
}

func NewFaulty(s docstore.Store) *Faulty {
	return &Faulty{
		Store: s,
		fails: map[faultKey]error{},
	}
}

// Fail makes op on collection fail with err.  An empty id matches every
// document; Query and SetAll faults always use an empty id, and a SetAll
// fault applies if any of its writes targets collection.
func (f *Faulty) Fail(op Op, collection, id string, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.fails[faultKey{op, collection, id}] = err
}

// Clear removes every injected fault.
func (f *Faulty) Clear() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.fails = map[faultKey]error{}
}

func (f *Faulty) fault(op Op, collection, id string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err, ok := f.fails[faultKey{op, collection, id}]; ok {
		return err
	}
	return f.fails[faultKey{op, collection, ""}]
}

func (f *Faulty) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	if err := f.fault(OpGet, collection, id); err != nil {
		return nil, err
	}
	return f.Store.Get(ctx, collection, id)
}

func (f *Faulty) Set(ctx context.Context, collection, id string, data interface{}) error {
	if err := f.fault(OpSet, collection, id); err != nil {
		return err
	}
	return f.Store.Set(ctx, collection, id, data)
}

func (f *Faulty) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	if err := f.fault(OpUpdate, collection, id); err != nil {
		return err
	}
	return f.Store.Update(ctx, collection, id, fields)
}

func (f *Faulty) Add(ctx context.Context, collection string, data interface{}) (string, error) {
	if err := f.fault(OpAdd, collection, ""); err != nil {
		return "", err
	}
	return f.Store.Add(ctx, collection, data)
}

func (f *Faulty) Delete(ctx context.Context, collection, id string) error {
	if err := f.fault(OpDelete, collection, id); err != nil {
		return err
	}
	return f.Store.Delete(ctx, collection, id)
}

func (f *Faulty) SetAll(ctx context.Context, writes []docstore.Write) error {
	for _, w := range writes {
		if err := f.fault(OpSetAll, w.Collection, ""); err != nil {
			return err
		}
	}
	return f.Store.SetAll(ctx, writes)
}

func (f *Faulty) Query(ctx context.Context, collection string, q docstore.Query) docstore.DocumentIterator {
	if err := f.fault(OpQuery, collection, ""); err != nil {
		return errIterator{err: err}
	}
	return f.Store.Query(ctx, collection, q)
}

func (f *Faulty) Watch(ctx context.Context, collection, id string) docstore.DocumentIterator {
	if err := f.fault(OpWatch, collection, id); err != nil {
		return errIterator{err: err}
	}
	return f.Store.Watch(ctx, collection, id)
}

type errIterator struct {
	err error
}

func (i errIterator) Next() (docstore.Document, error) {
	return nil, i.err
}

func (i errIterator) Stop() {}
