package systemd

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// listenNotify points NOTIFY_SOCKET at a datagram socket owned by the test.
func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func readMsg(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read notify: %v", err)
	}
	return string(buf[:n])
}

func TestNotifierSendsStates(t *testing.T) {
	conn := listenNotify(t)
	n := NewNotifier(true)

	if ok, err := n.Ready(); !ok || err != nil {
		t.Fatalf("Ready = %v, %v", ok, err)
	}
	if got := readMsg(t, conn); got != "READY=1" {
		t.Fatalf("got %q", got)
	}
	if _, err := n.Status("%d tasks", 3); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got := readMsg(t, conn); got != "STATUS=3 tasks" {
		t.Fatalf("got %q", got)
	}
	if _, err := n.Stopping(); err != nil {
		t.Fatalf("Stopping: %v", err)
	}
	if got := readMsg(t, conn); got != "STOPPING=1" {
		t.Fatalf("got %q", got)
	}
}

func TestDisabledNotifierIsSilent(t *testing.T) {
	conn := listenNotify(t)
	n := NewNotifier(false)
	if ok, err := n.Ready(); ok || err != nil {
		t.Fatalf("disabled Ready = %v, %v", ok, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := conn.Read(make([]byte, 64)); err == nil {
		t.Fatal("disabled notifier sent a message")
	}
	if d := n.WatchdogInterval(); d != 0 {
		t.Fatalf("disabled watchdog interval = %v", d)
	}
}

func TestWatchdog(t *testing.T) {
	conn := listenNotify(t)
	t.Setenv("WATCHDOG_USEC", "200000")
	t.Setenv("WATCHDOG_PID", "")
	n := NewNotifier(true)

	if d := n.WatchdogInterval(); d != 100*time.Millisecond {
		t.Fatalf("interval = %v, want 100ms", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx, 20*time.Millisecond, func() bool { return true }) }()

	if got := readMsg(t, conn); !strings.HasPrefix(got, "WATCHDOG=1") {
		t.Fatalf("got %q", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watchdog: %v", err)
	}
}
