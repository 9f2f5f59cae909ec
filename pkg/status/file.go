package status

import "fmt"

// FileStatus is the lifecycle state of a downloadable item.
//
// NOTE: the string values are persisted and are part of the stable storage contract.
type FileStatus uint8

const (
	FileNotAvailable FileStatus = iota
	FileDownloadInProgress
	FileAvailable
	FileDownloadError
)

var fileStatusNames = [...]string{
	FileNotAvailable:       "not_available",
	FileDownloadInProgress: "download_in_progress",
	FileAvailable:          "available",
	FileDownloadError:      "download_error",
}

// AllFileStatuses lists every FileStatus in enumeration order.
func AllFileStatuses() []FileStatus {
	out := make([]FileStatus, 0, len(fileStatusNames))
	for i := range fileStatusNames {
		out = append(out, FileStatus(i))
	}
	return out
}

func (s FileStatus) String() string {
	if int(s) < len(fileStatusNames) {
		return fileStatusNames[s]
	}
	return fmt.Sprintf("file_status(%d)", uint8(s))
}

// Valid reports whether s is one of the enumerated states.
func (s FileStatus) Valid() bool {
	return int(s) < len(fileStatusNames)
}

// ParseFileStatus parses the persisted form of a FileStatus.
func ParseFileStatus(v string) (FileStatus, error) {
	for i, name := range fileStatusNames {
		if name == v {
			return FileStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown file status %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s FileStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid file status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *FileStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseFileStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Apply returns the state reached from s by ev.
//
//	NotAvailable       --start-->   DownloadInProgress
//	DownloadInProgress --succeed--> Available
//	DownloadInProgress --fail-->    DownloadError
//	DownloadError      --retry-->   DownloadInProgress
//	Available          --refresh--> DownloadInProgress
func (s FileStatus) Apply(ev Event) (FileStatus, error) {
	switch {
	case s == FileNotAvailable && ev == EventStart:
		return FileDownloadInProgress, nil
	case s == FileDownloadInProgress && ev == EventSucceed:
		return FileAvailable, nil
	case s == FileDownloadInProgress && ev == EventFail:
		return FileDownloadError, nil
	case s == FileDownloadError && ev == EventRetry:
		return FileDownloadInProgress, nil
	case s == FileAvailable && ev == EventRefresh:
		return FileDownloadInProgress, nil
	}
	return s, &TransitionError{From: s.String(), Event: ev}
}

// AcquireEvent returns the event that moves s into DownloadInProgress, if any.
func (s FileStatus) AcquireEvent() (Event, bool) {
	switch s {
	case FileNotAvailable:
		return EventStart, true
	case FileDownloadError:
		return EventRetry, true
	case FileAvailable:
		return EventRefresh, true
	}
	return 0, false
}
