package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dgellow/authkit/internal/crypto"
)

// Firestore is a durable Adapter over Google Cloud Firestore, one document
// per key. Values are encrypted before they leave the process.
type Firestore struct {
	client     *firestore.Client
	collection string
	encryptor  crypto.Encryptor
}

var _ Adapter = (*Firestore)(nil)

// firestoreDoc is the stored document shape.
type firestoreDoc struct {
	Value     string    `firestore:"value"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// NewFirestore creates an adapter writing into the given collection.
func NewFirestore(client *firestore.Client, collection string, encryptor crypto.Encryptor) (*Firestore, error) {
	if collection == "" {
		return nil, fmt.Errorf("firestore collection is required")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("firestore storage requires an encryptor")
	}
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	return &Firestore{client: client, collection: collection, encryptor: encryptor}, nil
}

// OpenFirestore dials Firestore and wraps the client in an adapter. An
// empty or "(default)" database uses the project default.
func OpenFirestore(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor) (*Firestore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("firestore project ID is required")
	}

	var client *firestore.Client
	var err error
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFirestore(client, collection, encryptor)
}

// Get implements Adapter.
func (f *Firestore) Get(ctx context.Context, key string) (string, error) {
	snap, err := f.client.Collection(f.collection).Doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("firestore get %q: %w", key, err)
	}
	var doc firestoreDoc
	if err := snap.DataTo(&doc); err != nil {
		return "", fmt.Errorf("firestore decode %q: %w", key, err)
	}
	plain, err := f.encryptor.Decrypt(doc.Value)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt stored value: %w", err)
	}
	return plain, nil
}

// Set implements Adapter.
func (f *Firestore) Set(ctx context.Context, key, value string) error {
	sealed, err := f.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt value: %w", err)
	}
	_, err = f.client.Collection(f.collection).Doc(key).Set(ctx, firestoreDoc{
		Value:     sealed,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("firestore set %q: %w", key, err)
	}
	return nil
}

// Remove implements Adapter.
func (f *Firestore) Remove(ctx context.Context, key string) error {
	_, err := f.client.Collection(f.collection).Doc(key).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete %q: %w", key, err)
	}
	return nil
}

// Keys lists every stored key in the collection, for operational cleanup
// of abandoned sessions.
func (f *Firestore) Keys(ctx context.Context) ([]string, error) {
	iter := f.client.Collection(f.collection).Documents(ctx)
	defer iter.Stop()

	var keys []string
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list keys: %w", err)
		}
		keys = append(keys, snap.Ref.ID)
	}
}

// Close releases the underlying client.
func (f *Firestore) Close() error {
	return f.client.Close()
}
