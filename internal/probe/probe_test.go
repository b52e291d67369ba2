package probe

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"ptsched/internal/task"
	logx "ptsched/pkg/logx"
)

// replyServer accepts connections, reads what the client sends and answers
// before closing.
func replyServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 64)
				_, _ = c.Read(buf)
				_, _ = io.WriteString(c, "ok")
			}(c)
		}
	}()
	return ln.Addr().String()
}

func TestTCPProbe(t *testing.T) {
	t.Parallel()

	addr := replyServer(t)
	work := TCP(addr, time.Second, logx.Nop())
	if v := work(); v < 0 {
		t.Fatalf("tcp probe against live listener = %v", v)
	}

	// Grab a free port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := ln.Addr().String()
	_ = ln.Close()
	if v := TCP(dead, 200*time.Millisecond, logx.Nop())(); v != task.Invalid {
		t.Fatalf("tcp probe against closed port = %v, want %v", v, task.Invalid)
	}
}

func TestHTTPProbe(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, "pong")
	}))
	t.Cleanup(srv.Close)

	if v := HTTP(srv.URL+"/ok", time.Second, logx.Nop())(); v < 0 {
		t.Fatalf("http probe = %v", v)
	}
	if v := HTTP(srv.URL+"/fail", time.Second, logx.Nop())(); v != task.Invalid {
		t.Fatalf("http probe on 500 = %v, want %v", v, task.Invalid)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	addr := replyServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	cases := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{name: "const", spec: Spec{Kind: "const", Value: 7}},
		{name: "tcp", spec: Spec{Kind: "TCP", Host: host, Port: port}},
		{name: "http", spec: Spec{Kind: "http", URL: "http://" + addr}},
		{name: "icmp", spec: Spec{Kind: "icmp", Host: "localhost"}},
		{name: "speedtest", spec: Spec{Kind: "speedtest"}},
		{name: "tcp without port", spec: Spec{Kind: "tcp", Host: host}, wantErr: true},
		{name: "icmp without host", spec: Spec{Kind: "icmp"}, wantErr: true},
		{name: "http without url", spec: Spec{Kind: "http"}, wantErr: true},
		{name: "unknown", spec: Spec{Kind: "smoke-signal"}, wantErr: true},
	}
	for _, tc := range cases {
		work, err := New(tc.spec)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil || work == nil {
			t.Fatalf("%s: work=%v err=%v", tc.name, work != nil, err)
		}
	}

	work, _ := New(Spec{Kind: "const", Value: 7})
	if v := work(); v != 7 {
		t.Fatalf("const probe = %v", v)
	}
	tcpWork, _ := New(Spec{Kind: "tcp", Host: host, Port: port})
	if v := tcpWork(); v < 0 {
		t.Fatalf("tcp probe via New = %v", v)
	}
}
