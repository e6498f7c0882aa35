package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

// Documents are stored under "d\x00<collection path>\x00<id>", so that a
// prefix scan over one collection never reaches into its sub-collections.
const docKeyPrefix = "d\x00"

func docKey(collection, id string) []byte {
	return []byte(docKeyPrefix + collection + "\x00" + id)
}

func collectionPrefix(collection string) []byte {
	return []byte(docKeyPrefix + collection + "\x00")
}

// maxConflictRetries bounds read-modify-write retries on badger.ErrConflict.
const maxConflictRetries = 5

// BadgerStore is a Store backed by an embedded Badger database.  Document
// bodies are stored as JSON.  Watches are served in-process, so they only
// observe writes made through the same BadgerStore.
type BadgerStore struct {
	db *badger.DB

	lock     sync.Mutex
	watchers map[string]map[*watcher]struct{}
}

type watcher struct {
	changed chan struct{}
}

// OpenBadger opens (creating if needed) a Badger database in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.ValueLogFileSize = 16 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("while opening badger kv dir %q: %w", dir, err)
	}

	return &BadgerStore{
		db:       db,
		watchers: map[string]map[*watcher]struct{}{},
	}, nil
}

func (s *BadgerStore) Get(ctx context.Context, collection, id string) (Document, error) {
	doc, err := s.read(collection, id)
	if err != nil {
		return nil, err
	}
	if !doc.Exists() {
		return nil, fmt.Errorf("while getting %s/%s: %w", collection, id, ErrNotFound)
	}
	return doc, nil
}

// read returns a snapshot of the document, which may not exist.
func (s *BadgerStore) read(collection, id string) (*badgerDocument, error) {
	doc := &badgerDocument{id: id}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(collection, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		doc.data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("while reading %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (s *BadgerStore) Set(ctx context.Context, collection, id string, data interface{}) error {
	return s.SetAll(ctx, []Write{{Collection: collection, ID: id, Data: data}})
}

func (s *BadgerStore) SetAll(ctx context.Context, writes []Write) error {
	encoded := make([][]byte, len(writes))
	for i, w := range writes {
		b, err := json.Marshal(w.Data)
		if err != nil {
			return fmt.Errorf("while encoding %s/%s: %w", w.Collection, w.ID, err)
		}
		encoded[i] = b
	}

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			for i, w := range writes {
				key := docKey(w.Collection, w.ID)
				if w.Create {
					_, err := txn.Get(key)
					if err == nil {
						return fmt.Errorf("while creating %s/%s: %w", w.Collection, w.ID, ErrAlreadyExists)
					}
					if !errors.Is(err, badger.ErrKeyNotFound) {
						return err
					}
				}
				if err := txn.Set(key, encoded[i]); err != nil {
					return fmt.Errorf("while staging %s/%s: %w", w.Collection, w.ID, err)
				}
			}
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("while committing writes: %w", err)
	}

	for _, w := range writes {
		s.notify(w.Collection, w.ID)
	}
	return nil
}

func (s *BadgerStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	key := docKey(collection, id)

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			current, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			body := map[string]interface{}{}
			if err := json.Unmarshal(current, &body); err != nil {
				return fmt.Errorf("while decoding stored document: %w", err)
			}
			for path, value := range fields {
				body[path] = value
			}

			updated, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("while encoding updated document: %w", err)
			}
			return txn.Set(key, updated)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("while updating %s/%s: %w", collection, id, err)
	}

	s.notify(collection, id)
	return nil
}

func (s *BadgerStore) Add(ctx context.Context, collection string, data interface{}) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *BadgerStore) Delete(ctx context.Context, collection, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(docKey(collection, id))
	})
	if err != nil {
		return fmt.Errorf("while deleting %s/%s: %w", collection, id, err)
	}

	s.notify(collection, id)
	return nil
}

func (s *BadgerStore) Query(ctx context.Context, collection string, q Query) DocumentIterator {
	docs, err := s.runQuery(collection, q)
	if err != nil {
		return &sliceIterator{err: fmt.Errorf("while querying %s: %w", collection, err)}
	}
	return &sliceIterator{docs: docs}
}

type queryCandidate struct {
	doc  *badgerDocument
	body map[string]interface{}
}

func (s *BadgerStore) runQuery(collection string, q Query) ([]Document, error) {
	filters := make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		v, err := normalize(f.Value)
		if err != nil {
			return nil, fmt.Errorf("while normalizing filter on %q: %w", f.Path, err)
		}
		filters[i] = Filter{Path: f.Path, Op: f.Op, Value: v}
	}

	var candidates []queryCandidate
	prefix := collectionPrefix(collection)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			body := map[string]interface{}{}
			if err := json.Unmarshal(data, &body); err != nil {
				return fmt.Errorf("while decoding %q: %w", item.Key(), err)
			}

			matched, err := matchesAll(body, filters)
			if err != nil {
				return err
			}
			if !matched {
				continue
			}

			id := strings.TrimPrefix(string(item.KeyCopy(nil)), string(prefix))
			candidates = append(candidates, queryCandidate{
				doc:  &badgerDocument{id: id, data: data},
				body: body,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if q.OrderBy != "" {
		// Like Firestore, ordering by a field drops documents without it.
		kept := candidates[:0]
		for _, c := range candidates {
			if _, ok := c.body[q.OrderBy]; ok {
				kept = append(kept, c)
			}
		}
		candidates = kept

		sort.SliceStable(candidates, func(i, j int) bool {
			c, _ := compareValues(candidates[i].body[q.OrderBy], candidates[j].body[q.OrderBy])
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	}

	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}

	docs := make([]Document, len(candidates))
	for i, c := range candidates {
		docs[i] = c.doc
	}
	return docs, nil
}

// normalize passes v through JSON so that it compares like stored values.
func normalize(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func matchesAll(body map[string]interface{}, filters []Filter) (bool, error) {
	for _, f := range filters {
		v, ok := body[f.Path]
		if !ok {
			return false, nil
		}

		if f.Op == "==" {
			if c, ok := compareValues(v, f.Value); ok {
				if c != 0 {
					return false, nil
				}
				continue
			}
			if !reflect.DeepEqual(v, f.Value) {
				return false, nil
			}
			continue
		}

		c, ok := compareValues(v, f.Value)
		if !ok {
			return false, nil
		}
		switch f.Op {
		case "<":
			ok = c < 0
		case "<=":
			ok = c <= 0
		case ">":
			ok = c > 0
		case ">=":
			ok = c >= 0
		default:
			return false, fmt.Errorf("%w: %q", ErrUnsupportedFilter, f.Op)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// compareValues orders two JSON-decoded values.  Strings that both parse as
// RFC 3339 timestamps compare chronologically.  The second result is false if
// the values are not comparable.
func compareValues(a, b interface{}) (int, bool) {
	switch a := a.(type) {
	case float64:
		b, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		}
		return 0, true
	case string:
		b, ok := b.(string)
		if !ok {
			return 0, false
		}
		ta, errA := time.Parse(time.RFC3339Nano, a)
		tb, errB := time.Parse(time.RFC3339Nano, b)
		if errA == nil && errB == nil {
			switch {
			case ta.Before(tb):
				return -1, true
			case ta.After(tb):
				return 1, true
			}
			return 0, true
		}
		return strings.Compare(a, b), true
	case bool:
		b, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case a == b:
			return 0, true
		case !a:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func (s *BadgerStore) Watch(ctx context.Context, collection, id string) DocumentIterator {
	w := &watcher{changed: make(chan struct{}, 1)}
	key := string(docKey(collection, id))

	s.lock.Lock()
	if s.watchers[key] == nil {
		s.watchers[key] = map[*watcher]struct{}{}
	}
	s.watchers[key][w] = struct{}{}
	s.lock.Unlock()

	return &badgerWatchIterator{
		ctx:        ctx,
		store:      s,
		collection: collection,
		id:         id,
		key:        key,
		w:          w,
		stopped:    make(chan struct{}),
	}
}

// notify wakes every watcher of the document.  Wake-ups coalesce: a watcher
// that has not consumed the previous change sees only the latest state.
func (s *BadgerStore) notify(collection, id string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for w := range s.watchers[string(docKey(collection, id))] {
		select {
		case w.changed <- struct{}{}:
		default:
		}
	}
}

func (s *BadgerStore) unwatch(key string, w *watcher) {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.watchers[key], w)
	if len(s.watchers[key]) == 0 {
		delete(s.watchers, key)
	}
}

func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("while closing database: %w", err)
	}
	return nil
}

type badgerDocument struct {
	id   string
	data []byte
}

func (d *badgerDocument) ID() string {
	return d.id
}

func (d *badgerDocument) Exists() bool {
	return d.data != nil
}

func (d *badgerDocument) DataTo(dst interface{}) error {
	if d.data == nil {
		return fmt.Errorf("while decoding %s: %w", d.id, ErrNotFound)
	}
	if err := json.Unmarshal(d.data, dst); err != nil {
		return fmt.Errorf("while decoding %s: %w", d.id, err)
	}
	return nil
}

type sliceIterator struct {
	docs []Document
	err  error
}

func (i *sliceIterator) Next() (Document, error) {
	if i.err != nil {
		return nil, i.err
	}
	if len(i.docs) == 0 {
		return nil, iterator.Done
	}
	doc := i.docs[0]
	i.docs = i.docs[1:]
	return doc, nil
}

func (i *sliceIterator) Stop() {
	i.docs = nil
}

type badgerWatchIterator struct {
	ctx        context.Context
	store      *BadgerStore
	collection string
	id         string
	key        string
	w          *watcher

	started  bool
	stopOnce sync.Once
	stopped  chan struct{}
}

func (i *badgerWatchIterator) Next() (Document, error) {
	if !i.started {
		i.started = true
	} else {
		select {
		case <-i.ctx.Done():
			return nil, i.ctx.Err()
		case <-i.stopped:
			return nil, iterator.Done
		case <-i.w.changed:
		}
	}

	select {
	case <-i.stopped:
		return nil, iterator.Done
	default:
	}

	doc, err := i.store.read(i.collection, i.id)
	if err != nil {
		glog.Warningf("Watch on %s/%s failed to read document: %v", i.collection, i.id, err)
		return nil, err
	}
	return doc, nil
}

func (i *badgerWatchIterator) Stop() {
	i.stopOnce.Do(func() {
		close(i.stopped)
		i.store.unwatch(i.key, i.w)
	})
}
