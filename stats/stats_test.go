package stats

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCountersAndSnapshot(t *testing.T) {
	reg := New()
	reg.SessionsCreated.Inc(1)
	reg.DatagramsIn.Inc(5)
	reg.SequenceGaps.Inc(2)

	snap := reg.Snapshot()
	if snap["sessions.created"] != 1 || snap["datagrams.in"] != 5 || snap["sequence.gaps"] != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap["sessions.closed"] != 0 {
		t.Fatalf("expected untouched counter to read 0")
	}
}

func TestHeaderAndToSliceAgreeInOrder(t *testing.T) {
	reg := New()
	reg.DetectionsServed.Inc(9)
	header := reg.Header()
	vals := reg.ToSlice()
	if len(header) != len(vals) {
		t.Fatalf("header/values length mismatch")
	}
	for i, h := range header {
		if h == "detections.served" && vals[i] != "9" {
			t.Fatalf("expected detections.served=9, got %s", vals[i])
		}
	}
}

func TestDumpOnceWritesHeaderOnFirstWrite(t *testing.T) {
	reg := New()
	reg.MessagesDropped.Inc(3)

	dir := t.TempDir()
	path := filepath.Join(dir, "stats.csv")
	dumpOnce(reg, path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty csv output")
	}

	dumpOnce(reg, path)
	data2, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data2) <= len(data) {
		t.Fatalf("expected a second row to be appended")
	}
}

func TestCSVLoggerNoopWhenDisabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		CSVLogger(New(), "", time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected CSVLogger to return immediately for an empty path")
	}
}
