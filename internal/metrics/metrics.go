// Package metrics exposes the running counters a backup emits, built on
// prometheus client vectors. Rendering those counters to a terminal is
// out of scope; this package only publishes them.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FilesProcessed counts files the walker has yielded to the pipeline ("P").
var FilesProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "backpak_files_processed_total",
	Help: "Files walked during the current or most recent backup.",
})

// BlobsReused counts blobs the dedup stage found already indexed ("R").
var BlobsReused = promauto.NewCounter(prometheus.CounterOpts{
	Name: "backpak_blobs_reused_total",
	Help: "Blobs deduplicated against the master index instead of repacked.",
})

// BytesNew counts uncompressed bytes newly added to packs ("Z").
var BytesNew = promauto.NewCounter(prometheus.CounterOpts{
	Name: "backpak_bytes_new_total",
	Help: "Uncompressed bytes newly written into packs.",
})

// PacksUploaded counts packs successfully uploaded ("U").
var PacksUploaded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "backpak_packs_uploaded_total",
	Help: "Packs successfully uploaded to the backend.",
})

// Progress is a point-in-time snapshot of a single backup's counters, for
// an external renderer (CLI progress bar, structured log line) to poll.
// The fields are the P(rocessed)/R(eused)/Z (new bytes)/U(ploaded)
// counters a backup reports as it runs.
type Progress struct {
	Processed uint64
	Reused    uint64
	NewBytes  uint64
	Uploaded  uint64
}

// Tracker accumulates one backup's counters in-process (atomics, so every
// pipeline stage can update it concurrently) while also feeding the
// process-wide prometheus vectors above.
type Tracker struct {
	processed atomic.Uint64
	reused    atomic.Uint64
	newBytes  atomic.Uint64
	uploaded  atomic.Uint64
}

func NewTracker() *Tracker { return &Tracker{} }

func (t *Tracker) AddProcessed(n uint64) {
	t.processed.Add(n)
	FilesProcessed.Add(float64(n))
}

func (t *Tracker) AddReused(n uint64) {
	t.reused.Add(n)
	BlobsReused.Add(float64(n))
}

func (t *Tracker) AddNewBytes(n uint64) {
	t.newBytes.Add(n)
	BytesNew.Add(float64(n))
}

func (t *Tracker) AddUploaded(n uint64) {
	t.uploaded.Add(n)
	PacksUploaded.Add(float64(n))
}

// Snapshot returns the tracker's current counter values.
func (t *Tracker) Snapshot() Progress {
	return Progress{
		Processed: t.processed.Load(),
		Reused:    t.reused.Load(),
		NewBytes:  t.newBytes.Load(),
		Uploaded:  t.uploaded.Load(),
	}
}
