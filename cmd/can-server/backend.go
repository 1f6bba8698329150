package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/cnl"
	"github.com/kstaniek/go-canio/internal/hub"
	"github.com/kstaniek/go-canio/internal/loopback"
	"github.com/kstaniek/go-canio/internal/serial"
	"github.com/kstaniek/go-canio/internal/server"
	"github.com/kstaniek/go-canio/internal/transport"
)

// recvPoll bounds how long the shared-handle receive path waits before it
// rechecks its context.
const recvPoll = 100 * time.Millisecond

// backend is the opened CAN device as the gateway uses it: transmit side
// for client frames, receive side feeding the hub.
type backend struct {
	spec    string
	tx      server.Backend
	rx      hub.Source
	filters func([]can.IDMaskFilter) error // nil when unsupported
	close   func() error
}

func (b *backend) Close() error { return b.close() }

// openBackend opens cfg.backend, splits it and installs cfg.filters.
func openBackend(cfg *appConfig, l *slog.Logger) (*backend, error) {
	dev, err := openDevice(cfg, l)
	if err != nil {
		return nil, err
	}
	b, err := splitDevice(dev)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("split %s: %w", cfg.backend, err)
	}
	b.spec = cfg.backend
	fs, err := can.ParseFilters(cfg.filters)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	if len(fs) > 0 {
		if b.filters == nil {
			_ = b.Close()
			return nil, fmt.Errorf("%s: filters: %w", cfg.backend, can.ErrUnsupported)
		}
		if err := b.filters(fs); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("%s: filters: %w", cfg.backend, err)
		}
	}
	l.Info("backend_open", "backend", cfg.backend, "filters", len(fs))
	return b, nil
}

// openDevice applies the driver specific options from cfg. Kinds without
// options go through the registry.
func openDevice(cfg *appConfig, l *slog.Logger) (can.Device, error) {
	kind, name, _ := strings.Cut(cfg.backend, ":")
	switch kind {
	case "serial":
		return asDevice(serial.NewBuilder().
			Baud(cfg.baud).
			ReadTimeout(cfg.serialReadTO).
			TxQueue(cfg.txQueue).
			Logger(l).
			Open(name))
	case "socketcan":
		return openSocketCAN(cfg, name, l)
	case "cnl":
		return asDevice(cnl.NewBuilder().TxQueue(cfg.txQueue).Logger(l).Open(name))
	case "loopback":
		return asDevice(loopback.NewBuilder().TxSlots(cfg.txQueue).Logger(l).Open(name))
	}
	return can.Open(cfg.backend)
}

// asDevice keeps a failed concrete open from turning into a non-nil
// interface.
func asDevice[D can.Device](d D, err error) (can.Device, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}

type txHalf interface {
	server.Backend
	Close() error
}

type rxHalf interface {
	hub.Source
	SetFilters([]can.IDMaskFilter) error
	Close() error
}

func fromHalves[T txHalf, R rxHalf](tx T, rx R, err error) (*backend, error) {
	if err != nil {
		return nil, err
	}
	return &backend{
		tx:      tx,
		rx:      rx,
		filters: rx.SetFilters,
		close:   func() error { return errors.Join(tx.Close(), rx.Close()) },
	}, nil
}

// splitDevice hands out independent halves where the driver can split.
// Other drivers share one handle between both directions.
func splitDevice(dev can.Device) (*backend, error) {
	switch d := dev.(type) {
	case *loopback.Port:
		tx, rx, err := d.Split()
		return fromHalves(tx, rx, err)
	case interface {
		Split() (*transport.TxHalf, *transport.RxHalf, error)
	}:
		tx, rx, err := d.Split()
		return fromHalves(tx, rx, err)
	}
	if b, ok, err := splitPlatform(dev); ok {
		return b, err
	}
	b := &backend{tx: dev, rx: sharedRx{dev}, close: dev.Close}
	if fc, ok := dev.(interface {
		SetFilters([]can.IDMaskFilter) error
	}); ok {
		b.filters = fc.SetFilters
	}
	return b, nil
}

// sharedRx adapts a blocking-only device to hub.Source by polling with
// RecvTimeout.
type sharedRx struct{ dev can.Device }

func (s sharedRx) RecvContext(ctx context.Context) (can.Frame, error) {
	if a, ok := s.dev.(can.AsyncRxFrameIo[can.Frame]); ok {
		return a.RecvContext(ctx)
	}
	for {
		if err := ctx.Err(); err != nil {
			return can.Frame{}, err
		}
		fr, err := s.dev.RecvTimeout(recvPoll)
		if can.IsTimeout(err) {
			continue
		}
		return fr, err
	}
}
