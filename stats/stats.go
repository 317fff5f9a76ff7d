// Package stats tracks server-wide counters (sessions, datagrams,
// drops, detections) and periodically dumps them to a rotating CSV
// file, adapted from the teacher's std/snmp.go — which dumped
// kcp.DefaultSnmp, a KCP-specific counter struct, on the same
// encoding/csv + time.Ticker shape this package reuses for our own
// counters instead.
package stats

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// Registry holds every counter the session, dispatch and server
// packages increment. It is shared read-write across the single
// reactor thread, matching spec.md §5's single-threaded model — no
// locking beyond what rcrowley/go-metrics already does internally.
type Registry struct {
	r metrics.Registry

	SessionsCreated metrics.Counter
	SessionsClosed  metrics.Counter
	DatagramsIn     metrics.Counter
	DatagramsOut    metrics.Counter
	SequenceGaps    metrics.Counter
	MessagesDropped metrics.Counter
	DetectionsServed metrics.Counter
}

// New creates a Registry with all counters registered under fixed names
// so ToSlice/Header stay stable across process restarts.
func New() *Registry {
	r := metrics.NewRegistry()
	reg := &Registry{
		r:                r,
		SessionsCreated:  metrics.NewRegisteredCounter("sessions.created", r),
		SessionsClosed:   metrics.NewRegisteredCounter("sessions.closed", r),
		DatagramsIn:      metrics.NewRegisteredCounter("datagrams.in", r),
		DatagramsOut:     metrics.NewRegisteredCounter("datagrams.out", r),
		SequenceGaps:     metrics.NewRegisteredCounter("sequence.gaps", r),
		MessagesDropped:  metrics.NewRegisteredCounter("messages.dropped", r),
		DetectionsServed: metrics.NewRegisteredCounter("detections.served", r),
	}
	return reg
}

// names is the fixed column order Header/ToSlice agree on.
var names = []string{
	"sessions.created", "sessions.closed", "datagrams.in", "datagrams.out",
	"sequence.gaps", "messages.dropped", "detections.served",
}

// Header returns the CSV column names, in the fixed order ToSlice uses.
func (reg *Registry) Header() []string {
	return append([]string{}, names...)
}

// ToSlice snapshots every counter as a string, in Header's order.
func (reg *Registry) ToSlice() []string {
	vals := map[string]metrics.Counter{
		"sessions.created":  reg.SessionsCreated,
		"sessions.closed":   reg.SessionsClosed,
		"datagrams.in":      reg.DatagramsIn,
		"datagrams.out":     reg.DatagramsOut,
		"sequence.gaps":     reg.SequenceGaps,
		"messages.dropped":  reg.MessagesDropped,
		"detections.served": reg.DetectionsServed,
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = fmt.Sprint(vals[n].Count())
	}
	return out
}

// Snapshot is a point-in-time copy suitable for logging (e.g. from the
// SIGUSR1 handler in server/signal.go).
type Snapshot map[string]int64

func (reg *Registry) Snapshot() Snapshot {
	header, vals := reg.Header(), reg.ToSlice()
	snap := make(Snapshot, len(header))
	for i, h := range header {
		var v int64
		fmt.Sscan(vals[i], &v)
		snap[h] = v
	}
	return snap
}

// CSVLogger periodically appends one row of reg's counters to a file
// named by formatting path's basename with time.Now(), the same
// directory/filename-template split the teacher's SnmpLogger used.
// A zero path or interval disables logging, same as the teacher.
func CSVLogger(reg *Registry, path string, interval time.Duration) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		dumpOnce(reg, path)
	}
}

func dumpOnce(reg *Registry, path string) {
	dir, file := filepath.Split(path)
	name := dir + time.Now().Format(file)
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Println("stats:", err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := w.Write(append([]string{"Unix"}, reg.Header()...)); err != nil {
			log.Println("stats:", err)
		}
	}
	if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, reg.ToSlice()...)); err != nil {
		log.Println("stats:", err)
	}
	w.Flush()
}
