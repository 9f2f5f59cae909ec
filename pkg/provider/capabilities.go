package provider

import (
	"context"
	"io"
)

// Optional provider capability interfaces, detected with type assertions.

// ObjectGetter can download objects as a stream.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectPutter can create or overwrite objects. An object written by
// PutObject is complete once the call returns nil.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectDeleter can delete objects. Deleting a missing object is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// ArtifactStore is what the fetcher writes verified artifacts into.
type ArtifactStore interface {
	Provider
	ObjectPutter
	ObjectDeleter
}
