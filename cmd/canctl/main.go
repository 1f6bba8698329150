// Command canctl sends, dumps and bridges CAN frames on any registered
// driver and manages SocketCAN links.
package main

import (
	"fmt"
	"os"

	// Drivers register with the can registry from init.
	_ "github.com/kstaniek/go-canio/internal/cnl"
	_ "github.com/kstaniek/go-canio/internal/loopback"
	_ "github.com/kstaniek/go-canio/internal/serial"
	_ "github.com/kstaniek/go-canio/internal/socketcan"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
