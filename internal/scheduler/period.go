package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Period forms accepted by ParsePeriod:
//   - Go duration: "1s", "2m30s"
//   - bare integer seconds: "5"
//   - HH:MM: "00:50" (50 minutes), "02:30"
//   - cron descriptor: "@every 1m30s", "@hourly", "@daily"
//
// Cron expressions with fields ("*/5 * * * *") are rejected: a task runs on a
// fixed period, not on calendar times.
var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

var descriptorParser = cron.NewParser(cron.Descriptor)

// ParsePeriod converts a period string to a positive duration.
func ParsePeriod(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("period required")
	}

	var (
		d   time.Duration
		err error
	)
	switch {
	case strings.HasPrefix(s, "@"):
		d, err = parseDescriptor(s)
	case reHHMM.MatchString(s):
		d, err = parseHHMM(s)
	default:
		if n, convErr := strconv.ParseUint(s, 10, 32); convErr == nil {
			d = time.Duration(n) * time.Second
		} else {
			d, err = time.ParseDuration(s)
			if err != nil {
				err = fmt.Errorf("invalid period %q (use a duration like '30s', HH:MM like '00:05', or '@every 1m')", raw)
			}
		}
	}
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("period must be > 0, got %q", raw)
	}
	return d, nil
}

func parseDescriptor(s string) (time.Duration, error) {
	switch strings.ToLower(s) {
	case "@hourly":
		return time.Hour, nil
	case "@daily", "@midnight":
		return 24 * time.Hour, nil
	case "@weekly":
		return 7 * 24 * time.Hour, nil
	}
	sched, err := descriptorParser.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid period %q: %w", s, err)
	}
	if _, ok := sched.(cron.ConstantDelaySchedule); !ok {
		return 0, fmt.Errorf("period %q is a calendar schedule, not a fixed period", s)
	}
	// cron rounds the delay to whole seconds; take the exact value.
	d, err := time.ParseDuration(strings.TrimSpace(s[len("@every"):]))
	if err != nil {
		return 0, fmt.Errorf("invalid period %q: %w", s, err)
	}
	return d, nil
}

func parseHHMM(s string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(s)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", s)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}
