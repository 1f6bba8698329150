package server

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-canio/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrBackendTx = errors.New("backend_tx")
	ErrContext   = errors.New("context_cancelled")
)

// errLabels pairs each sentinel with its errors_total label; first match wins.
var errLabels = []struct {
	err   error
	label string
}{
	{ErrConnRead, metrics.ErrTCPRead},
	{ErrConnWrite, metrics.ErrTCPWrite},
	{ErrHandshake, metrics.ErrHandshake},
	{ErrBackendTx, metrics.ErrBusWrite},
	{ErrAccept, metrics.ErrTCPRead},
	{ErrListen, metrics.ErrTCPRead},
	{ErrContext, "context"},
}

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	for _, l := range errLabels {
		if errors.Is(err, l.err) {
			return l.label
		}
	}
	return "other"
}

// record wraps cause under kind, counts it and publishes it on Errors.
func (s *Server) record(kind, cause error) error {
	wrap := fmt.Errorf("%w: %v", kind, cause)
	metrics.IncError(mapErrToMetric(wrap))
	s.setError(wrap)
	return wrap
}
