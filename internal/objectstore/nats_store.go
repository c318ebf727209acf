// Package objectstore provides a NATS-based implementation of the core.BlobStore interface.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
)

const metadataContentType = "content-type"

// ErrEmptyKey indicates an object key was not provided.
var ErrEmptyKey = errors.New("object key cannot be empty")

// NatsObjectStore implements the core.BlobStore interface using NATS JetStream.
// The reference returned by Put is the object name.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates and initializes a new NatsObjectStore.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	// Use a "create-first" approach.
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Storage for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	// If the bucket already exists, bind to it.
	if err != nil {
		var bindErr error

		store, bindErr = jetstreamContext.ObjectStore(bucketName)
		if bindErr != nil {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Put saves data under key and returns its reference. Writing the same key
// again replaces the object, so repeated puts of one artifact are idempotent.
func (n *NatsObjectStore) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}

	_, err := n.store.Put(&nats.ObjectMeta{
		Name:     key,
		Metadata: map[string]string{metadataContentType: contentType},
	}, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return key, nil
}

// Get retrieves an object from the NATS object store.
func (n *NatsObjectStore) Get(_ context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, ErrEmptyKey
	}

	obj, err := n.store.Get(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", ref, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", ref, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", ref, closeErr)
	}

	return data, nil
}

// ContentType returns the content type recorded for ref.
func (n *NatsObjectStore) ContentType(ref string) (string, error) {
	info, err := n.store.GetInfo(ref)
	if err != nil {
		return "", fmt.Errorf("failed to get info for object '%s': %w", ref, err)
	}

	return info.Metadata[metadataContentType], nil
}
