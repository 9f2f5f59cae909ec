// Package provider abstracts the object stores that hold downloaded
// artifacts and that artifacts may be fetched from.
//
// Providers expose a minimal surface: metadata lookup plus optional
// get/put/delete capabilities. Authentication uses SDK default credential
// chains; providers do not implement custom auth logic.
package provider

import (
	"context"
	"time"
)

// Provider is the common surface of every object store.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ObjectMeta contains metadata for a single object.
type ObjectMeta struct {
	// Key is the object key relative to the provider root.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag when the store provides one.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time

	// ContentType is the MIME type of the object.
	ContentType string
}

// ProviderType identifies an object store implementation.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
