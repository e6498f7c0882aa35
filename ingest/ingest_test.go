package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"pillbox/dbtypes"
	"pillbox/docstore"
	"pillbox/docstore/storetest"

	"github.com/google/go-cmp/cmp"
)

func newTestBridge(t *testing.T) (*Bridge, docstore.Store) {
	t.Helper()
	store := storetest.NewBadger(t)
	if err := store.Set(context.Background(), dbtypes.DevicesCollection, "box", &dbtypes.Device{Name: "Cocina"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	b := NewBridge(store, "pillbox/")
	b.now = func() time.Time { return time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC) }
	return b, store
}

func TestHandleReading(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBridge(t)

	if err := b.HandleMessage(ctx, "pillbox/box/reading", []byte(`{"temp": 22.5, "humidity": 41, "weight": 3.2}`)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	doc, err := store.Get(ctx, dbtypes.ReadingsCollection, "box")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got := dbtypes.Reading{}
	if err := doc.DataTo(&got); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := dbtypes.Reading{Temp: 22.5, Humidity: 41, Weight: 3.2, LastUpdated: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad reading; diff (-got +want)\n%s", diff)
	}
}

func TestHandleEvent(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBridge(t)

	msgs := []string{
		`{"type": "DOSE_DETECTED", "description": "toma de las 8", "timestamp": "2024-09-01T08:01:00Z"}`,
		`{"type": "ALERT_ENV", "description": "humedad alta"}`,
	}
	for _, m := range msgs {
		if err := b.HandleMessage(ctx, "pillbox/box/event", []byte(m)); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	var got []dbtypes.EventLog
	err := docstore.GetAll(store.Query(ctx, dbtypes.EventLogsCollection("box"), docstore.Query{OrderBy: "timestamp"}), func(doc docstore.Document) error {
		entry := dbtypes.EventLog{}
		if err := doc.DataTo(&entry); err != nil {
			return err
		}
		got = append(got, entry)
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []dbtypes.EventLog{
		{Type: "DOSE_DETECTED", Description: "toma de las 8", Timestamp: time.Date(2024, 9, 1, 8, 1, 0, 0, time.UTC)},
		{Type: "ALERT_ENV", Description: "humedad alta", Timestamp: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad event log; diff (-got +want)\n%s", diff)
	}
}

func TestHandleMessageRejects(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBridge(t)

	testCases := []struct {
		desc    string
		topic   string
		payload string
		wantErr error
	}{
		{"foreign prefix", "other/box/reading", `{"temp": 1, "humidity": 1, "weight": 1}`, ErrBadTopic},
		{"unknown kind", "pillbox/box/status", `{}`, ErrBadTopic},
		{"too deep", "pillbox/box/reading/extra", `{}`, ErrBadTopic},
		{"bad json", "pillbox/box/reading", `{"temp":`, ErrBadPayload},
		{"missing field", "pillbox/box/reading", `{"temp": 20, "humidity": 40}`, ErrBadPayload},
		{"event without type", "pillbox/box/event", `{"description": "x"}`, ErrBadPayload},
		{"unknown device", "pillbox/ghost/reading", `{"temp": 1, "humidity": 1, "weight": 1}`, ErrUnknownDevice},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if err := b.HandleMessage(ctx, tc.topic, []byte(tc.payload)); !errors.Is(err, tc.wantErr) {
				t.Errorf("Bad error; got %v, want %v", err, tc.wantErr)
			}
		})
	}

	if _, err := store.Get(ctx, dbtypes.ReadingsCollection, "ghost"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("Reading for an unknown device was stored")
	}
}

func TestTopics(t *testing.T) {
	b := NewBridge(nil, "/pillbox/")
	if diff := cmp.Diff(b.Topics(), []string{"pillbox/+/reading", "pillbox/+/event"}); diff != "" {
		t.Errorf("Bad topics; diff (-got +want)\n%s", diff)
	}
}
