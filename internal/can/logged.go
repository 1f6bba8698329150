package can

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-canio/internal/logging"
)

// LogOption selects which directions a Logged decorator records.
type LogOption uint8

const (
	LogNone LogOption = 0
	LogRecv LogOption = 1 << iota
	LogSend
	LogAll = LogRecv | LogSend
)

// Logged wraps a FrameIo and records traffic through slog. Frames are
// logged with the frame's own formatting (fmt verbs apply), so any F works.
// Would-block results are expected in polling loops and go out at debug
// level; other failures at error level.
type Logged[F any] struct {
	inner  FrameIo[F]
	logger *slog.Logger
	level  slog.Level
	opts   LogOption
}

// NewLogged wraps inner. A nil logger means the process logger.
func NewLogged[F any](inner FrameIo[F], logger *slog.Logger, level slog.Level, opts LogOption) *Logged[F] {
	return &Logged[F]{inner: inner, logger: logging.Or(logger), level: level, opts: opts}
}

// Unwrap returns the decorated handle.
func (l *Logged[F]) Unwrap() FrameIo[F] { return l.inner }

func (l *Logged[F]) Send(frame F) error {
	return l.logSend("send", frame, l.inner.Send(frame))
}

func (l *Logged[F]) TrySend(frame F) error {
	return l.logSend("try_send", frame, l.inner.TrySend(frame))
}

func (l *Logged[F]) SendTimeout(frame F, timeout time.Duration) error {
	return l.logSend("send_timeout", frame, l.inner.SendTimeout(frame, timeout))
}

func (l *Logged[F]) Recv() (F, error) {
	f, err := l.inner.Recv()
	return f, l.logRecv("recv", f, err)
}

func (l *Logged[F]) TryRecv() (F, error) {
	f, err := l.inner.TryRecv()
	return f, l.logRecv("try_recv", f, err)
}

func (l *Logged[F]) RecvTimeout(timeout time.Duration) (F, error) {
	f, err := l.inner.RecvTimeout(timeout)
	return f, l.logRecv("recv_timeout", f, err)
}

func (l *Logged[F]) WaitNotEmpty() error { return l.inner.WaitNotEmpty() }

func (l *Logged[F]) logSend(op string, frame F, err error) error {
	if l.opts&LogSend == 0 {
		return err
	}
	l.log(op, err, slog.Any("frame", frame))
	return err
}

func (l *Logged[F]) logRecv(op string, frame F, err error) error {
	if l.opts&LogRecv == 0 {
		return err
	}
	if err != nil {
		l.log(op, err)
		return err
	}
	l.log(op, nil, slog.Any("frame", frame))
	return err
}

func (l *Logged[F]) log(op string, err error, attrs ...slog.Attr) {
	ctx := context.Background()
	switch {
	case err == nil:
		l.logger.LogAttrs(ctx, l.level, "can_"+op, attrs...)
	case IsWouldBlock(err) || IsTimeout(err):
		l.logger.LogAttrs(ctx, slog.LevelDebug, "can_"+op, append(attrs, slog.String("result", err.Error()))...)
	default:
		l.logger.LogAttrs(ctx, slog.LevelError, "can_"+op+"_error", append(attrs, slog.Any("err", err))...)
	}
}
