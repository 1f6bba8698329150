package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Line is the byte stream under a Device. tarm/serial ports satisfy it;
// tests substitute pipes.
type Line interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OpenLine opens a UART. readTimeout bounds each Read so the reader loop
// can notice shutdown.
func OpenLine(name string, baud int, readTimeout time.Duration) (Line, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
