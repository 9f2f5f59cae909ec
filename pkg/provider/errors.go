package provider

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("object not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrThrottled           = errors.New("request throttled")
)

// Failure reasons reported by Reason. They appear in download logs and are
// stable across providers.
const (
	ReasonNotFound       = "not_found"
	ReasonAccessDenied   = "access_denied"
	ReasonNoBucket       = "bucket_not_found"
	ReasonBadCredentials = "invalid_credentials"
	ReasonUnavailable    = "unavailable"
	ReasonThrottled      = "throttled"
	ReasonOther          = "other"
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrNotFound, ReasonNotFound},
	{ErrAccessDenied, ReasonAccessDenied},
	{ErrBucketNotFound, ReasonNoBucket},
	{ErrInvalidCredentials, ReasonBadCredentials},
	{ErrProviderUnavailable, ReasonUnavailable},
	{ErrThrottled, ReasonThrottled},
}

// ProviderError wraps a provider failure with the operation and object it
// concerned.
type ProviderError struct {
	Op       string
	Provider ProviderType
	Bucket   string
	Key      string
	Err      error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Provider, e.Op, e.Bucket, e.Key, e.Err)
	case e.Bucket != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Reason classifies err into one of the Reason constants. Nil yields "".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonOther
}

// IsTransient reports whether a later attempt may succeed. Downloads are
// never retried automatically; callers use this to tell a user whether a
// retry is worth issuing.
func IsTransient(err error) bool {
	switch Reason(err) {
	case ReasonThrottled, ReasonUnavailable:
		return true
	}
	return false
}
