package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want FailureType
	}{
		{"deadline", context.DeadlineExceeded, FailureTimeout},
		{"wrapped deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), FailureTimeout},
		{"net timeout", timeoutErr{}, FailureTimeout},
		{"timeout text", errors.New("request timed out after 30s"), FailureTimeout},
		{"connection refused", errors.New("dial tcp: connection refused"), FailureNetworkError},
		{"no such host", errors.New("lookup leginfo: no such host"), FailureNetworkError},
		{"rate limit", errors.New("upstream returned 429 rate limit exceeded"), FailureAPIError},
		{"server error", errors.New("unexpected status 502 bad gateway"), FailureAPIError},
		{"parse", errors.New("parse selector page: missing node"), FailureParseError},
		{"unclassified", errors.New("boom"), FailureUnknown},
		{"nil", nil, FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestFailureTypeRetriable(t *testing.T) {
	t.Parallel()

	require.True(t, FailureTimeout.Retriable())
	require.True(t, FailureNetworkError.Retriable())
	require.True(t, FailureAPIError.Retriable())
	require.False(t, FailureEmptyContent.Retriable())
	require.False(t, FailureRepealed.Retriable())
	require.False(t, FailureUnknown.Retriable())
}

func TestSectionComplete(t *testing.T) {
	t.Parallel()

	require.False(t, Section{}.Complete())
	require.False(t, Section{HasContent: true}.Complete())
	require.True(t, Section{HasContent: true, Content: "text"}.Complete())
	require.False(t, Section{IsMultiVersion: true}.Complete())
	require.True(t, Section{IsMultiVersion: true, Versions: []Version{{Number: 1}}}.Complete())
}

func TestNewJobID(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 1, 14, 12, 5, 30, 0, time.UTC)
	require.Equal(t, "fam_20250114_120530", NewJobID("FAM", at))
	require.Equal(t, "ccp_20250114_120530", NewJobID("C.C.P.", at))
}
