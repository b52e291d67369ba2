package probe

import (
	"errors"
	"io"
	"net"
	"time"

	"ptsched/internal/task"
	logx "ptsched/pkg/logx"
)

var tcpPayload = []byte("test message\r\n\r\n")

// TCP measures connect, a short write and the first byte (or EOF) of the
// reply from addr.
func TCP(addr string, timeout time.Duration, log logx.Logger) task.Work {
	return func() float64 {
		d, err := tcpRoundTrip(addr, timeout)
		if err != nil {
			log.Debug("tcp probe failed", logx.String("addr", addr), logx.Err(err))
			return task.Invalid
		}
		return millis(d)
	}
}

func tcpRoundTrip(addr string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if err := conn.SetDeadline(start.Add(timeout)); err != nil {
		return 0, err
	}
	if _, err := conn.Write(tcpPayload); err != nil {
		return 0, err
	}
	var buf [512]byte
	if _, err := conn.Read(buf[:]); err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	return time.Since(start), nil
}
