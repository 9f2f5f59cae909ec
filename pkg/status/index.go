package status

import (
	"fmt"
)

// IndexStatus is the lifecycle state of an Index and, in aggregate, of an Environment.
//
// NOTE: the string values are persisted and are part of the stable storage contract.
type IndexStatus uint8

const (
	NotAvailable IndexStatus = iota
	DownloadInProgress
	DownloadError
	Downloaded
	IndexingInProgress
	IndexingError
	Indexed
	ValidationInProgress
	ValidationError
	Available
)

var indexStatusNames = [...]string{
	NotAvailable:         "not_available",
	DownloadInProgress:   "download_in_progress",
	DownloadError:        "download_error",
	Downloaded:           "downloaded",
	IndexingInProgress:   "indexing_in_progress",
	IndexingError:        "indexing_error",
	Indexed:              "indexed",
	ValidationInProgress: "validation_in_progress",
	ValidationError:      "validation_error",
	Available:            "available",
}

// AllIndexStatuses lists every IndexStatus in enumeration order.
func AllIndexStatuses() []IndexStatus {
	out := make([]IndexStatus, 0, len(indexStatusNames))
	for i := range indexStatusNames {
		out = append(out, IndexStatus(i))
	}
	return out
}

func (s IndexStatus) String() string {
	if int(s) < len(indexStatusNames) {
		return indexStatusNames[s]
	}
	return fmt.Sprintf("index_status(%d)", uint8(s))
}

// Valid reports whether s is one of the enumerated states.
func (s IndexStatus) Valid() bool {
	return int(s) < len(indexStatusNames)
}

// ParseIndexStatus parses the persisted form of an IndexStatus.
func ParseIndexStatus(v string) (IndexStatus, error) {
	for i, name := range indexStatusNames {
		if name == v {
			return IndexStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown index status %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s IndexStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid index status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *IndexStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseIndexStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsError reports whether s is one of the retryable error branches.
func (s IndexStatus) IsError() bool {
	switch s {
	case DownloadError, IndexingError, ValidationError:
		return true
	}
	return false
}

// IsInProgress reports whether s is an in-progress state.
func (s IndexStatus) IsInProgress() bool {
	switch s {
	case DownloadInProgress, IndexingInProgress, ValidationInProgress:
		return true
	}
	return false
}

// Apply returns the state reached from s by ev.
//
// The forward path is NotAvailable -> DownloadInProgress -> Downloaded ->
// IndexingInProgress -> Indexed -> ValidationInProgress -> Available. Each
// in-progress state fails into its error state, and each error state retries
// back into the in-progress state it failed from. Available refreshes back to
// DownloadInProgress.
func (s IndexStatus) Apply(ev Event) (IndexStatus, error) {
	switch ev {
	case EventStart:
		switch s {
		case NotAvailable:
			return DownloadInProgress, nil
		case Downloaded:
			return IndexingInProgress, nil
		case Indexed:
			return ValidationInProgress, nil
		}
	case EventSucceed:
		switch s {
		case DownloadInProgress:
			return Downloaded, nil
		case IndexingInProgress:
			return Indexed, nil
		case ValidationInProgress:
			return Available, nil
		}
	case EventFail:
		switch s {
		case DownloadInProgress:
			return DownloadError, nil
		case IndexingInProgress:
			return IndexingError, nil
		case ValidationInProgress:
			return ValidationError, nil
		}
	case EventRetry:
		switch s {
		case DownloadError:
			return DownloadInProgress, nil
		case IndexingError:
			return IndexingInProgress, nil
		case ValidationError:
			return ValidationInProgress, nil
		}
	case EventRefresh:
		if s == Available {
			return DownloadInProgress, nil
		}
	}
	return s, &TransitionError{From: s.String(), Event: ev}
}

// severity ranks states from best (0) to worst. Error branches outrank every
// progress state; among errors the earliest stage is worst; among progress
// states the least advanced is worst.
var severity = [...]int{
	Available:            0,
	ValidationInProgress: 1,
	Indexed:              2,
	IndexingInProgress:   3,
	Downloaded:           4,
	DownloadInProgress:   5,
	NotAvailable:         6,
	ValidationError:      7,
	IndexingError:        8,
	DownloadError:        9,
}

// Severity returns the rank of s; higher is worse.
func (s IndexStatus) Severity() int {
	if !s.Valid() {
		return len(severity)
	}
	return severity[s]
}

// Aggregate computes the status of a set of member statuses.
//
// The result is Available only when every member is Available; otherwise it
// is the worst member by Severity. An empty set is NotAvailable.
func Aggregate(members []IndexStatus) IndexStatus {
	if len(members) == 0 {
		return NotAvailable
	}
	worst := Available
	for _, m := range members {
		if m.Severity() > worst.Severity() {
			worst = m
		}
	}
	return worst
}
