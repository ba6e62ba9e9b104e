// Package metrics carries the kernel's optional runtime telemetry: a
// fixed-memory cache for adminapi's marshaled object/promise responses, a
// periodic reporter pushing crank-rate/queue-depth gauges to InfluxDB,
// and a memsize-based footprint scan logged at Crit when a configured
// budget is exceeded. None of this is required by the core kernel
// invariants; it mirrors the observability layer every long-running
// process in the teacher's corpus carries alongside its core logic.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/fjl/memsize"
	influxdb "github.com/influxdata/influxdb/client/v2"

	"github.com/ocapkernel/vatkernel/internal/kernel/queue"
	"github.com/ocapkernel/vatkernel/internal/vlog"
)

var log = vlog.Root().New("component", "metrics")

// RowCache is a fixed-memory byte cache, analogous to the teacher's
// trie-node fastcache in core/state. Its one user is adminapi, which
// stores marshaled object/promise responses in it; RefTables reads do not
// go through it.
type RowCache struct {
	cache *fastcache.Cache
}

func NewRowCache(maxBytes int) *RowCache {
	return &RowCache{cache: fastcache.New(maxBytes)}
}

func (c *RowCache) Get(key string) ([]byte, bool) {
	dst := c.cache.GetBig(nil, []byte(key))
	if dst == nil {
		return nil, false
	}
	return dst, true
}

func (c *RowCache) Set(key string, value []byte) {
	c.cache.SetBig([]byte(key), value)
}

// CrankCounter tracks crank throughput for the InfluxDB reporter. It is
// updated by crankloop.Loop for each Send/Notify crank that reaches
// delivery, as a commit or an abort; GC, reap, parked, revoked and
// terminated-owner cranks are not counted.
type CrankCounter struct {
	committed uint64
	aborted   uint64
}

func (c *CrankCounter) RecordCommit() { atomic.AddUint64(&c.committed, 1) }
func (c *CrankCounter) RecordAbort()  { atomic.AddUint64(&c.aborted, 1) }

func (c *CrankCounter) snapshot() (committed, aborted uint64) {
	return atomic.LoadUint64(&c.committed), atomic.LoadUint64(&c.aborted)
}

// InfluxReporter periodically pushes crank-rate and queue-depth gauges
// to InfluxDB, the same reporter shape the teacher wires for its own
// runtime metrics.
type InfluxReporter struct {
	client   influxdb.Client
	database string
	interval time.Duration
	counter  *CrankCounter
	queue    *queue.Queue
}

func NewInfluxReporter(url, database string, counter *CrankCounter, q *queue.Queue, interval time.Duration) (*InfluxReporter, error) {
	client, err := influxdb.NewHTTPClient(influxdb.HTTPConfig{Addr: url})
	if err != nil {
		return nil, err
	}
	return &InfluxReporter{client: client, database: database, interval: interval, counter: counter, queue: q}, nil
}

// Run blocks, reporting on interval until ctx is cancelled.
func (r *InfluxReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.reportOnce(); err != nil {
				log.Warn("influx report failed", "err", err)
			}
		}
	}
}

func (r *InfluxReporter) reportOnce() error {
	committed, aborted := r.counter.snapshot()
	qlen, err := r.queue.Length()
	if err != nil {
		return err
	}

	bp, err := influxdb.NewBatchPoints(influxdb.BatchPointsConfig{Database: r.database})
	if err != nil {
		return err
	}
	point, err := influxdb.NewPoint("vatkernel", nil, map[string]interface{}{
		"cranks_committed": committed,
		"cranks_aborted":   aborted,
		"queue_depth":      qlen,
	}, time.Now())
	if err != nil {
		return err
	}
	bp.AddPoint(point)
	return r.client.Write(bp)
}

func (r *InfluxReporter) Close() error { return r.client.Close() }

// Diagnostics periodically measures the in-memory footprint of the given
// roots via fjl/memsize and logs at Crit if budgetBytes is exceeded;
// cmd/vatkernel runs it on a one-minute ticker.
type Diagnostics struct {
	budgetBytes uint64
}

func NewDiagnostics(budgetBytes uint64) *Diagnostics {
	return &Diagnostics{budgetBytes: budgetBytes}
}

// Scan measures root (typically the live RefTables LRU cache or Queue
// arena) and logs a Crit if the total exceeds the configured budget.
func (d *Diagnostics) Scan(root interface{}) {
	report := memsize.Scan(root)
	total := uint64(report.Total)
	if total > d.budgetBytes {
		log.Crit("in-memory footprint exceeds configured budget", "total", total, "budget", d.budgetBytes)
		return
	}
	log.Debug("memory footprint scan", "total", total)
}
