package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks structure only. Period and probe semantics are checked by
// the application validator, which knows the parsers.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]int, len(c.Tasks))
	for i, t := range c.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		name := t.Key()
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		case seen[name] > 0:
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q (also tasks[%d])", path, name, seen[name]-1))
		default:
			seen[name] = i + 1
		}
		if strings.TrimSpace(t.Period) == "" {
			errs = append(errs, fmt.Errorf("%s.period: required", path))
		}
		if strings.TrimSpace(t.Probe.Kind) == "" {
			errs = append(errs, fmt.Errorf("%s.probe.kind: required", path))
		}
		if _, err := ParseDurationField(path+".probe.timeout", t.Probe.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("storage.init_timeout", c.Storage.InitTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseDurationField("scheduler.record_timeout", c.Scheduler.RecordTimeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
