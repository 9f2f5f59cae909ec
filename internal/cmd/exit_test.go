package cmd

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitError(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
		err     error
		want    string
	}{
		{
			name:    "basic error",
			code:    1,
			message: "Something failed",
			err:     assert.AnError,
			want:    "Something failed",
		},
		{
			name:    "includes exit code",
			code:    foundry.ExitExternalServiceUnavailable,
			message: "Download failed",
			err:     assert.AnError,
			want:    fmt.Sprintf("exit code %d", foundry.ExitExternalServiceUnavailable),
		},
		{
			name:    "nil cause",
			code:    foundry.ExitInvalidArgument,
			message: "Bad flag",
			want:    fmt.Sprintf("Bad flag (exit code %d)", foundry.ExitInvalidArgument),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitError(tt.code, tt.message, tt.err)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want))

			var ee *ExitError
			require.True(t, errors.As(err, &ee))
			assert.Equal(t, tt.code, ee.Code)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}
