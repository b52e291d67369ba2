package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"ptsched/internal/task"
	logx "ptsched/pkg/logx"
)

// HTTP measures a GET of url including the full body. Status codes >= 400
// are failures.
func HTTP(url string, timeout time.Duration, log logx.Logger) task.Work {
	client := &http.Client{Timeout: timeout}
	return func() float64 {
		d, err := httpGet(client, url, timeout)
		if err != nil {
			log.Debug("http probe failed", logx.String("url", url), logx.Err(err))
			return task.Invalid
		}
		return millis(d)
	}
}

func httpGet(client *http.Client, url string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "ptsched-probe")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, err
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("status %s", resp.Status)
	}
	return time.Since(start), nil
}
