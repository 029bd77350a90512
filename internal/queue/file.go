package queue

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type queueFile struct {
	Queues []queueEntry `yaml:"queues"`
}

type queueEntry struct {
	Name              string       `yaml:"name"`
	Concurrency       int          `yaml:"concurrency"`
	WorkerConcurrency int          `yaml:"worker_concurrency"`
	Partitioned       bool         `yaml:"partitioned"`
	Limiter           limiterEntry `yaml:"limiter"`
}

type limiterEntry struct {
	Limit  int    `yaml:"limit"`
	Period string `yaml:"period"`
}

// LoadFile reads queue declarations from a YAML file, for example:
//
//	queues:
//	  - name: notifications
//	    concurrency: 10
//	    worker_concurrency: 2
//	    limiter:
//	      limit: 50
//	      period: 30s
//	  - name: billing
//	    partitioned: true
func LoadFile(path string) ([]Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading queue file: %w", err)
	}

	var qf queueFile
	if err := yaml.Unmarshal(raw, &qf); err != nil {
		return nil, fmt.Errorf("parsing queue file %s: %w", path, err)
	}

	ds := make([]Descriptor, 0, len(qf.Queues))
	for _, q := range qf.Queues {
		var period time.Duration
		if q.Limiter.Period != "" {
			period, err = time.ParseDuration(q.Limiter.Period)
			if err != nil {
				return nil, fmt.Errorf("queue %q: invalid limiter period %q: %w", q.Name, q.Limiter.Period, err)
			}
		}
		d, err := NewDescriptor(Descriptor{
			Name:              q.Name,
			Concurrency:       q.Concurrency,
			WorkerConcurrency: q.WorkerConcurrency,
			Partitioned:       q.Partitioned,
			Limiter:           Limiter{Limit: q.Limiter.Limit, Period: period},
		})
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}
	return ds, nil
}
