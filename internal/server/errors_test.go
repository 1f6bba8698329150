package server

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kstaniek/go-canio/internal/metrics"
)

func TestMapErrToMetric(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: reset", ErrConnRead), metrics.ErrTCPRead},
		{fmt.Errorf("%w: broken pipe", ErrConnWrite), metrics.ErrTCPWrite},
		{fmt.Errorf("%w: bad hello", ErrHandshake), metrics.ErrHandshake},
		{fmt.Errorf("outer: %w", fmt.Errorf("%w: full", ErrBackendTx)), metrics.ErrBusWrite},
		{ErrAccept, metrics.ErrTCPRead},
		{ErrContext, "context"},
		{errors.New("boom"), "other"},
	}
	for _, tc := range cases {
		if got := mapErrToMetric(tc.err); got != tc.want {
			t.Errorf("mapErrToMetric(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
