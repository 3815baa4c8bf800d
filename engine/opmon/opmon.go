// Package opmon times the named operations of the mesh: RPC dispatch and
// the shared cache commands. Timings are aggregated per operation name and
// drained into a periodic summary; an operation above its warn threshold is
// logged as slow right away.
package opmon

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gomesh/gomesh/engine/consts"
	"github.com/gomesh/gomesh/engine/gmlog"
)

type opStats struct {
	count uint64
	slow  uint64
	total time.Duration
	max   time.Duration
}

var (
	statsMu sync.Mutex
	stats   = map[string]*opStats{}
)

func init() {
	if consts.OPMON_DUMP_INTERVAL > 0 {
		go func() {
			for range time.Tick(consts.OPMON_DUMP_INTERVAL) {
				if s := Summary(); s != "" {
					gmlog.Infof("opmon:\n%s", s)
				}
			}
		}()
	}
}

// Operation is one in-flight timed operation.
type Operation struct {
	name  string
	start time.Time
}

// StartOperation starts timing a named operation.
func StartOperation(name string) *Operation {
	return &Operation{name: name, start: time.Now()}
}

// Finish records the elapsed time. An operation at or above warnThreshold
// counts as slow and is logged immediately.
func (op *Operation) Finish(warnThreshold time.Duration) {
	elapsed := time.Since(op.start)
	slow := elapsed >= warnThreshold
	record(op.name, elapsed, slow)
	if slow {
		gmlog.Warnf("opmon: %s took %s (warn at %s)", op.name, elapsed, warnThreshold)
	}
}

func record(name string, elapsed time.Duration, slow bool) {
	statsMu.Lock()
	defer statsMu.Unlock()
	st := stats[name]
	if st == nil {
		st = &opStats{}
		stats[name] = st
	}
	st.count++
	if slow {
		st.slow++
	}
	st.total += elapsed
	if elapsed > st.max {
		st.max = elapsed
	}
}

// Summary drains the aggregated timings and renders one line per operation,
// sorted by name. It returns "" when nothing was recorded since the last
// drain.
func Summary() string {
	statsMu.Lock()
	drained := stats
	stats = map[string]*opStats{}
	statsMu.Unlock()

	if len(drained) == 0 {
		return ""
	}
	names := make([]string, 0, len(drained))
	for name := range drained {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte('\n')
		}
		st := drained[name]
		fmt.Fprintf(&sb, "%-24s x%-8d avg %-12s max %-12s slow %d",
			name, st.count, st.total/time.Duration(st.count), st.max, st.slow)
	}
	return sb.String()
}
