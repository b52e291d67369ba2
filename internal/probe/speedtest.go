package probe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ptsched/internal/task"
	"ptsched/internal/worker"
	logx "ptsched/pkg/logx"

	st "github.com/showwin/speedtest-go/speedtest"
)

const (
	defaultCandidates = 5
	pingConcurrency   = 4
)

// speedtestProbe measures latency to the best speedtest.net server near the
// caller. The server is picked once (nearest candidates, lowest ping) and
// re-picked after a failed measurement.
type speedtestProbe struct {
	candidates int
	timeout    time.Duration
	spawner    worker.Spawner
	log        logx.Logger

	mu     sync.Mutex
	server *st.Server
}

// Speedtest returns a work function reporting speedtest server latency.
func Speedtest(candidates int, timeout time.Duration, spawner worker.Spawner, log logx.Logger) task.Work {
	if candidates <= 0 {
		candidates = defaultCandidates
	}
	p := &speedtestProbe{candidates: candidates, timeout: timeout, spawner: spawner, log: log}
	return p.measure
}

func (p *speedtestProbe) measure() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Picking a server pings several candidates, so it gets a longer timeout.
	if p.server == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*p.timeout)
		srv, err := p.pick(ctx)
		cancel()
		if err != nil {
			p.log.Warn("speedtest server selection failed", logx.Err(err))
			return task.Invalid
		}
		p.server = srv
		p.log.Info("speedtest server selected",
			logx.String("server", srv.Sponsor),
			logx.String("country", srv.Country),
			logx.Float64("distance_km", srv.Distance),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.server.PingTestContext(ctx, nil); err != nil || p.server.Latency <= 0 {
		p.log.Debug("speedtest ping failed", logx.String("server", p.server.Sponsor), logx.Err(err))
		p.server = nil
		return task.Invalid
	}
	return millis(p.server.Latency)
}

func (p *speedtestProbe) pick(ctx context.Context) (*st.Server, error) {
	// A dedicated client: speedtest-go keeps package-level state in its
	// default helpers.
	client := st.New()
	servers, err := client.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	n := p.candidates
	if n > len(servers) {
		n = len(servers)
	}
	pinged := p.pingCandidates(ctx, servers[:n])
	if len(pinged) == 0 {
		return nil, errors.New("all candidate pings failed")
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })
	return pinged[0], nil
}

func (p *speedtestProbe) pingCandidates(ctx context.Context, servers []*st.Server) []*st.Server {
	sem := make(chan struct{}, pingConcurrency)
	out := make(chan *st.Server, len(servers))
	var wg sync.WaitGroup

	launch := func(name string, fn func()) {
		if p.spawner != nil {
			p.spawner.Spawn(name, fn)
			return
		}
		go fn()
	}

	for i, s := range servers {
		s := s
		wg.Add(1)
		launch(fmt.Sprintf("probe.speedtest.ping.%d", i), func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			if err := s.PingTestContext(ctx, nil); err == nil && s.Latency > 0 {
				out <- s
			}
		})
	}
	wg.Wait()
	close(out)

	pinged := make([]*st.Server, 0, len(servers))
	for s := range out {
		pinged = append(pinged, s)
	}
	return pinged
}
