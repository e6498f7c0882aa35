package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/iterator"
)

type testDoc struct {
	Name  string    `json:"name"`
	Owner string    `json:"owner"`
	Count float64   `json:"count"`
	At    time.Time `json:"at"`
}

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func queryIDs(t *testing.T, s Store, collection string, q Query) []string {
	t.Helper()
	var ids []string
	err := GetAll(s.Query(context.Background(), collection, q), func(doc Document) error {
		ids = append(ids, doc.ID())
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error running query: %v", err)
	}
	return ids
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	in := testDoc{Name: "a", Owner: "x", Count: 3, At: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	if err := s.Set(ctx, "things", "one", in); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	doc, err := s.Get(ctx, "things", "one")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if doc.ID() != "one" {
		t.Errorf("Bad ID; got %q, want %q", doc.ID(), "one")
	}

	got := testDoc{}
	if err := doc.DataTo(&got); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(got, in); diff != "" {
		t.Errorf("Bad document; diff (-got +want)\n%s", diff)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "things", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Bad error; got %v, want ErrNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Set(ctx, "things", "one", testDoc{Name: "a", Owner: "x", Count: 1}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := s.Update(ctx, "things", "one", map[string]interface{}{"count": 7.5}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	doc, err := s.Get(ctx, "things", "one")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got := testDoc{}
	if err := doc.DataTo(&got); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.Count != 7.5 || got.Name != "a" {
		t.Errorf("Bad document after update; got %+v", got)
	}

	err = s.Update(ctx, "things", "missing", map[string]interface{}{"count": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Bad error updating missing document; got %v, want ErrNotFound", err)
	}
}

func TestQueryFiltersAndOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	docs := map[string]testDoc{
		"a": {Owner: "x", At: base.Add(1 * time.Second)},
		"b": {Owner: "y", At: base.Add(500 * time.Millisecond)},
		"c": {Owner: "x", At: base.Add(3 * time.Second)},
		"d": {Owner: "x", At: base},
	}
	for id, d := range docs {
		if err := s.Set(ctx, "things", id, d); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	got := queryIDs(t, s, "things", Query{}.Where("owner", "==", "x"))
	if diff := cmp.Diff(got, []string{"a", "c", "d"}); diff != "" {
		t.Errorf("Bad equality query; diff (-got +want)\n%s", diff)
	}

	// "…00.5Z" sorts before "…01Z" only when compared as times.
	got = queryIDs(t, s, "things", Query{OrderBy: "at", Descending: true, Limit: 3})
	if diff := cmp.Diff(got, []string{"c", "a", "b"}); diff != "" {
		t.Errorf("Bad ordered query; diff (-got +want)\n%s", diff)
	}

	got = queryIDs(t, s, "things", Query{OrderBy: "at"}.Where("at", ">", base.Add(500*time.Millisecond)))
	if diff := cmp.Diff(got, []string{"a", "c"}); diff != "" {
		t.Errorf("Bad range query; diff (-got +want)\n%s", diff)
	}
}

func TestQueryDoesNotReachSubcollections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Set(ctx, "events", "dev1", testDoc{Name: "marker"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := s.Add(ctx, "events/dev1/logs", testDoc{Name: "log"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got := queryIDs(t, s, "events", Query{}); len(got) != 1 || got[0] != "dev1" {
		t.Errorf("Bad parent collection listing; got %v, want [dev1]", got)
	}
	if got := queryIDs(t, s, "events/dev1/logs", Query{}); len(got) != 1 {
		t.Errorf("Bad sub-collection listing; got %v, want one entry", got)
	}
}

func TestSetAllIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	writes := []Write{
		{Collection: "things", ID: "ok", Data: testDoc{Name: "ok"}},
		{Collection: "things", ID: "bad", Data: func() {}},
	}
	if err := s.SetAll(ctx, writes); err == nil {
		t.Fatalf("Expected an error encoding a func value")
	}

	if _, err := s.Get(ctx, "things", "ok"); !errors.Is(err, ErrNotFound) {
		t.Errorf("First write leaked from a failed SetAll; got err %v", err)
	}
}

func TestSetAllCreateRejectsExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Set(ctx, "things", "taken", testDoc{Name: "first"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	writes := []Write{
		{Collection: "owners", ID: "new", Data: testDoc{Name: "owner"}},
		{Collection: "things", ID: "taken", Data: testDoc{Name: "second"}, Create: true},
	}
	if err := s.SetAll(ctx, writes); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Bad error; got %v, want ErrAlreadyExists", err)
	}

	if _, err := s.Get(ctx, "owners", "new"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Sibling write leaked from a rejected SetAll; got err %v", err)
	}
	doc, err := s.Get(ctx, "things", "taken")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got := testDoc{}
	if err := doc.DataTo(&got); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.Name != "first" {
		t.Errorf("Existing document overwritten; got name %q, want %q", got.Name, "first")
	}
}

func TestSetAllCreateConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const writers = 8
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.SetAll(ctx, []Write{
				{Collection: "owners", ID: fmt.Sprintf("owner-%d", i), Data: testDoc{Name: "owner"}},
				{Collection: "things", ID: "contested", Data: testDoc{Name: "claim"}, Create: true},
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrAlreadyExists):
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("Bad number of successful creates; got %d, want 1", created)
	}
	if got := queryIDs(t, s, "owners", Query{}); len(got) != 1 {
		t.Errorf("Bad owners after contested creates; got %v, want one entry", got)
	}
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)

	it := s.Watch(ctx, "things", "w")
	defer it.Stop()

	doc, err := it.Next()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if doc.Exists() {
		t.Fatalf("Initial snapshot of a missing document reports it exists")
	}

	if err := s.Set(ctx, "things", "w", testDoc{Name: "first"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	doc, err = it.Next()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got := testDoc{}
	if err := doc.DataTo(&got); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.Name != "first" {
		t.Errorf("Bad snapshot; got name %q, want %q", got.Name, "first")
	}

	it.Stop()
	if _, err := it.Next(); err != iterator.Done {
		t.Errorf("Bad error after Stop; got %v, want iterator.Done", err)
	}
}

func TestWatchCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestStore(t)

	it := s.Watch(ctx, "things", "w")
	defer it.Stop()
	if _, err := it.Next(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	cancel()
	if _, err := it.Next(); !errors.Is(err, context.Canceled) {
		t.Errorf("Bad error after cancel; got %v, want context.Canceled", err)
	}
}
