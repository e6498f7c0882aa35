package docstore

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore fronts a Cloud Firestore database.
type FirestoreStore struct {
	client *firestore.Client
}

// OpenFirestore connects to the Firestore database of the given GCP project.
func OpenFirestore(ctx context.Context, project string) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("while creating Firestore client: %w", err)
	}
	return NewFirestore(client), nil
}

// NewFirestore wraps an existing Firestore client.
func NewFirestore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) startSpan(ctx context.Context, name, collection, id string) (context.Context, trace.Span) {
	tracer := otel.Tracer("pillbox/docstore")
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("collection", collection))
	if id != "" {
		span.SetAttributes(attribute.String("id", id))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// translateErr maps gRPC NotFound and AlreadyExists statuses onto ErrNotFound
// and ErrAlreadyExists.
func translateErr(err error) error {
	switch status.Code(err) {
	case grpccodes.NotFound:
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	case grpccodes.AlreadyExists:
		return fmt.Errorf("%v: %w", err, ErrAlreadyExists)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, collection, id string) (doc Document, err error) {
	ctx, span := s.startSpan(ctx, "FirestoreStore.Get", collection, id)
	defer func() { endSpan(span, err) }()

	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("while getting %s/%s: %w", collection, id, translateErr(err))
	}
	return fsDocument{snap: snap}, nil
}

func (s *FirestoreStore) Set(ctx context.Context, collection, id string, data interface{}) (err error) {
	ctx, span := s.startSpan(ctx, "FirestoreStore.Set", collection, id)
	defer func() { endSpan(span, err) }()

	if _, err := s.client.Collection(collection).Doc(id).Set(ctx, data); err != nil {
		return fmt.Errorf("while setting %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *FirestoreStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) (err error) {
	ctx, span := s.startSpan(ctx, "FirestoreStore.Update", collection, id)
	defer func() { endSpan(span, err) }()

	paths := make([]string, 0, len(fields))
	for path := range fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	updates := make([]firestore.Update, 0, len(paths))
	for _, path := range paths {
		updates = append(updates, firestore.Update{Path: path, Value: fields[path]})
	}

	if _, err := s.client.Collection(collection).Doc(id).Update(ctx, updates); err != nil {
		return fmt.Errorf("while updating %s/%s: %w", collection, id, translateErr(err))
	}
	return nil
}

func (s *FirestoreStore) Add(ctx context.Context, collection string, data interface{}) (id string, err error) {
	ctx, span := s.startSpan(ctx, "FirestoreStore.Add", collection, "")
	defer func() { endSpan(span, err) }()

	ref := s.client.Collection(collection).NewDoc()
	if _, err := ref.Create(ctx, data); err != nil {
		return "", fmt.Errorf("while adding to %s: %w", collection, err)
	}
	return ref.ID, nil
}

func (s *FirestoreStore) Delete(ctx context.Context, collection, id string) (err error) {
	ctx, span := s.startSpan(ctx, "FirestoreStore.Delete", collection, id)
	defer func() { endSpan(span, err) }()

	if _, err := s.client.Collection(collection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("while deleting %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *FirestoreStore) SetAll(ctx context.Context, writes []Write) (err error) {
	ctx, span := s.startSpan(ctx, "FirestoreStore.SetAll", "", "")
	defer func() { endSpan(span, err) }()

	span.SetAttributes(attribute.Int("writes", len(writes)))

	err = s.client.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		for _, w := range writes {
			ref := s.client.Collection(w.Collection).Doc(w.ID)
			var err error
			if w.Create {
				err = txn.Create(ref, w.Data)
			} else {
				err = txn.Set(ref, w.Data)
			}
			if err != nil {
				return fmt.Errorf("while staging %s/%s: %w", w.Collection, w.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("while executing transaction: %w", translateErr(err))
	}
	return nil
}

func (s *FirestoreStore) Query(ctx context.Context, collection string, q Query) DocumentIterator {
	fq := s.client.Collection(collection).Query
	for _, f := range q.Filters {
		fq = fq.Where(f.Path, f.Op, f.Value)
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Descending {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.OrderBy, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return &fsQueryIterator{it: fq.Documents(ctx)}
}

func (s *FirestoreStore) Watch(ctx context.Context, collection, id string) DocumentIterator {
	return &fsWatchIterator{it: s.client.Collection(collection).Doc(id).Snapshots(ctx)}
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

type fsDocument struct {
	snap *firestore.DocumentSnapshot
}

func (d fsDocument) ID() string {
	return d.snap.Ref.ID
}

func (d fsDocument) Exists() bool {
	return d.snap.Exists()
}

func (d fsDocument) DataTo(dst interface{}) error {
	if !d.snap.Exists() {
		return fmt.Errorf("while decoding %s: %w", d.snap.Ref.Path, ErrNotFound)
	}
	return d.snap.DataTo(dst)
}

type fsQueryIterator struct {
	it *firestore.DocumentIterator
}

func (i *fsQueryIterator) Next() (Document, error) {
	snap, err := i.it.Next()
	if err != nil {
		return nil, err
	}
	return fsDocument{snap: snap}, nil
}

func (i *fsQueryIterator) Stop() {
	i.it.Stop()
}

type fsWatchIterator struct {
	it *firestore.DocumentSnapshotIterator
}

func (i *fsWatchIterator) Next() (Document, error) {
	snap, err := i.it.Next()
	if err != nil {
		return nil, err
	}
	return fsDocument{snap: snap}, nil
}

func (i *fsWatchIterator) Stop() {
	i.it.Stop()
}
