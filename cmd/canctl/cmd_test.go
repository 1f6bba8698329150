package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/loopback"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root := newRootCmd()
	root.SetOut(buf)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// sendUntil transmits f from a port on bus every few milliseconds until
// stop is closed.
func sendUntil(t *testing.T, bus string, stop <-chan struct{}, frames ...can.Frame) *sync.WaitGroup {
	t.Helper()
	p, err := loopback.Open(bus)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.Close()
		tk := time.NewTicker(5 * time.Millisecond)
		defer tk.Stop()
		for {
			for _, f := range frames {
				_ = p.TrySend(f)
			}
			select {
			case <-stop:
				return
			case <-tk.C:
			}
		}
	}()
	return &wg
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "canctl version dev") {
		t.Errorf("unexpected output: %s", out)
	}
	out, err = executeCommand("version", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	var v versionInfo
	if err := json.Unmarshal([]byte(out), &v); err != nil || v.Version != version {
		t.Fatalf("json version %q: %v", out, err)
	}
}

func TestDriversCommand(t *testing.T) {
	out, err := executeCommand("drivers")
	if err != nil {
		t.Fatalf("drivers command failed: %v", err)
	}
	for _, kind := range []string{"cnl", "loopback", "serial", "socketcan"} {
		if !strings.Contains(out, kind) {
			t.Errorf("expected %s in %q", kind, out)
		}
	}
}

func TestBadOutputFormat(t *testing.T) {
	if _, err := executeCommand("drivers", "-o", "table"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestSendCommand(t *testing.T) {
	bus := "ctl-send"
	peer, err := loopback.Open(bus)
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	out, err := executeCommand("send", "loopback:"+bus, "123#AABB", "1ABCDEFF#", "--repeat", "2")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !strings.Contains(out, "sent 4 frame(s)") {
		t.Fatalf("unexpected output: %q", out)
	}
	want := []string{"123#AABB", "1ABCDEFF#", "123#AABB", "1ABCDEFF#"}
	for i, w := range want {
		f, err := peer.RecvTimeout(time.Second)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.String() != w {
			t.Fatalf("frame %d = %s, want %s", i, f, w)
		}
	}
}

func TestSendCommand_Errors(t *testing.T) {
	tests := [][]string{
		{"send", "loopback:ctl-err", "nohash"},
		{"send", "loopback:ctl-err"},
		{"send", "nosuch:x", "123#00"},
		{"send", "loopback:ctl-err", "123#00", "--repeat", "0"},
	}
	for _, args := range tests {
		if _, err := executeCommand(args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestDumpCommand_FilterAndCount(t *testing.T) {
	bus := "ctl-dump"
	stop := make(chan struct{})
	wg := sendUntil(t, bus, stop,
		can.MustFrame(can.Standard(0x100), 1),
		can.MustFrame(can.Standard(0x200), 0xAA, 0xBB))
	defer func() { close(stop); wg.Wait() }()

	out, err := executeCommand("dump", "loopback:"+bus, "--filter", "200:7FF", "--count", "3", "--timeout", "5s")
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", out)
	}
	for _, l := range lines {
		if !strings.HasSuffix(l, "loopback:"+bus+" 200#AABB") {
			t.Fatalf("unexpected line %q", l)
		}
	}
}

func TestDumpCommand_JSON(t *testing.T) {
	bus := "ctl-dump-json"
	stop := make(chan struct{})
	wg := sendUntil(t, bus, stop, can.RemoteFrame(can.Standard(0x7DF), 2))
	defer func() { close(stop); wg.Wait() }()

	out, err := executeCommand("dump", "loopback:"+bus, "--count", "1", "--timeout", "5s", "-o", "json")
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	var recs []frameRecord
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(recs) != 1 || recs[0].ID != "7DF" || !recs[0].Remote || recs[0].Len != 2 || recs[0].Data != "" {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestDumpCommand_TimeoutEmpty(t *testing.T) {
	out, err := executeCommand("dump", "loopback:ctl-quiet", "--timeout", "50ms", "-o", "yaml")
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("expected empty yaml list, got %q", out)
	}
}

func TestBridgeCommand(t *testing.T) {
	stop := make(chan struct{})
	wg := sendUntil(t, "ctl-bridge-a", stop, can.MustFrame(can.Extended(0x18DAF110), 0x02, 0x10, 0x03))
	defer func() { close(stop); wg.Wait() }()
	sink, err := loopback.Open("ctl-bridge-b")
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	out, err := executeCommand("bridge", "loopback:ctl-bridge-a", "loopback:ctl-bridge-b", "--timeout", "300ms")
	if err != nil {
		t.Fatalf("bridge failed: %v", err)
	}
	if !strings.HasPrefix(out, "bridged ") {
		t.Fatalf("unexpected output %q", out)
	}
	f, err := sink.TryRecv()
	if err != nil {
		t.Fatalf("sink received nothing: %v", err)
	}
	if f.String() != "18DAF110#021003" {
		t.Fatalf("sink got %s", f)
	}
}

func TestLinkCommand_UnknownInterface(t *testing.T) {
	if _, err := executeCommand("link", "nosuchcan0"); err == nil {
		t.Fatalf("expected error for missing interface")
	}
	if _, err := executeCommand("link", "nosuchcan0", "--up", "--down"); err == nil {
		t.Fatalf("expected error for --up with --down")
	}
}
