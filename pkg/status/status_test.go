package status

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexStatusApply(t *testing.T) {
	tests := []struct {
		from IndexStatus
		ev   Event
		want IndexStatus
	}{
		{NotAvailable, EventStart, DownloadInProgress},
		{DownloadInProgress, EventSucceed, Downloaded},
		{DownloadInProgress, EventFail, DownloadError},
		{DownloadError, EventRetry, DownloadInProgress},
		{Downloaded, EventStart, IndexingInProgress},
		{IndexingInProgress, EventSucceed, Indexed},
		{IndexingInProgress, EventFail, IndexingError},
		{IndexingError, EventRetry, IndexingInProgress},
		{Indexed, EventStart, ValidationInProgress},
		{ValidationInProgress, EventSucceed, Available},
		{ValidationInProgress, EventFail, ValidationError},
		{ValidationError, EventRetry, ValidationInProgress},
		{Available, EventRefresh, DownloadInProgress},
	}

	allowed := map[[2]int]bool{}
	for _, tt := range tests {
		allowed[[2]int{int(tt.from), int(tt.ev)}] = true
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			got, err := tt.from.Apply(tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	// Every edge not listed above must be rejected.
	for _, s := range AllIndexStatuses() {
		for ev := EventStart; ev <= EventRefresh; ev++ {
			if allowed[[2]int{int(s), int(ev)}] {
				continue
			}
			got, err := s.Apply(ev)
			require.Error(t, err, "%s/%s", s, ev)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			assert.Equal(t, s, got)
		}
	}
}

func TestFileStatusApply(t *testing.T) {
	allowed := map[FileStatus]map[Event]FileStatus{
		FileNotAvailable:       {EventStart: FileDownloadInProgress},
		FileDownloadInProgress: {EventSucceed: FileAvailable, EventFail: FileDownloadError},
		FileDownloadError:      {EventRetry: FileDownloadInProgress},
		FileAvailable:          {EventRefresh: FileDownloadInProgress},
	}

	for _, s := range AllFileStatuses() {
		for ev := EventStart; ev <= EventRefresh; ev++ {
			got, err := s.Apply(ev)
			if want, ok := allowed[s][ev]; ok {
				require.NoError(t, err, "%s/%s", s, ev)
				assert.Equal(t, want, got)
				continue
			}
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s/%s", s, ev)
		}
	}
}

func TestFileStatusAcquireEvent(t *testing.T) {
	for _, s := range AllFileStatuses() {
		ev, ok := s.AcquireEvent()
		if s == FileDownloadInProgress {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok, s.String())
		next, err := s.Apply(ev)
		require.NoError(t, err)
		assert.Equal(t, FileDownloadInProgress, next)
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name    string
		members []IndexStatus
		want    IndexStatus
	}{
		{"empty", nil, NotAvailable},
		{"all available", []IndexStatus{Available, Available}, Available},
		{"one not available", []IndexStatus{Available, NotAvailable}, NotAvailable},
		{"least advanced wins", []IndexStatus{Indexed, Downloaded, ValidationInProgress}, Downloaded},
		{"error outranks progress", []IndexStatus{NotAvailable, ValidationError}, ValidationError},
		{"earliest error wins", []IndexStatus{ValidationError, DownloadError, IndexingError}, DownloadError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.members))
		})
	}
}

func TestSeverityIsTotal(t *testing.T) {
	seen := map[int]IndexStatus{}
	for _, s := range AllIndexStatuses() {
		r := s.Severity()
		prev, dup := seen[r]
		assert.False(t, dup, "%s and %s share rank %d", s, prev, r)
		seen[r] = s
		if s.IsError() {
			assert.Greater(t, r, NotAvailable.Severity())
		}
	}
}

func TestStatusTextRoundTrip(t *testing.T) {
	b, err := json.Marshal(map[string]any{"index": IndexingError, "file": FileAvailable})
	require.NoError(t, err)
	assert.JSONEq(t, `{"index":"indexing_error","file":"available"}`, string(b))

	var decoded struct {
		Index IndexStatus `json:"index"`
		File  FileStatus  `json:"file"`
	}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, IndexingError, decoded.Index)
	assert.Equal(t, FileAvailable, decoded.File)

	_, err = ParseIndexStatus("bogus")
	assert.Error(t, err)
	_, err = ParseFileStatus("downloaded")
	assert.Error(t, err)
}
