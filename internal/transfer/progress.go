package transfer

import (
	"sync"
	"sync/atomic"

	"github.com/cheggaaa/pb/v3"
)

// Reporter receives progress notifications. Percentages for one id never
// decrease, but calls may come from several goroutines.
type Reporter interface {
	Progress(id string, percent float64)
}

// NopReporter discards progress.
type NopReporter struct{}

func (NopReporter) Progress(string, float64) {}

// FuncReporter adapts a function to Reporter.
type FuncReporter func(id string, percent float64)

func (f FuncReporter) Progress(id string, percent float64) { f(id, percent) }

// BarReporter renders one transfer as a terminal progress bar.
type BarReporter struct {
	mu   sync.Mutex
	bar  *pb.ProgressBar
	size int64
}

// NewBarReporter creates and starts a bar for a transfer of size bytes.
func NewBarReporter(name string, size int64) *BarReporter {
	bar := pb.New64(size)
	bar.Set(pb.Bytes, true)
	bar.SetTemplate(`{{string . "name"}} {{counters . }} {{bar . }} {{percent . }} {{speed . }}`)
	bar.Set("name", name)
	bar.Start()
	return &BarReporter{bar: bar, size: size}
}

func (r *BarReporter) Progress(_ string, percent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bar.SetCurrent(int64(percent / 100 * float64(r.size)))
}

// Finish stops the bar.
func (r *BarReporter) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bar.Finish()
}

// progressTracker turns part acknowledgements into monotonic percentages.
type progressTracker struct {
	id    string
	total int64
	rep   Reporter

	sent atomic.Int64

	mu   sync.Mutex
	last float64
}

func newProgressTracker(id string, total int64, rep Reporter) *progressTracker {
	if rep == nil {
		rep = NopReporter{}
	}
	return &progressTracker{id: id, total: total, rep: rep, last: -1}
}

// add records n acknowledged bytes and reports the new percentage.
func (p *progressTracker) add(n int64) {
	p.emit(percentOf(p.sent.Add(n), p.total))
}

// done reports 100% for transfers that had no parts to acknowledge.
func (p *progressTracker) done() {
	p.emit(100)
}

func (p *progressTracker) emit(pct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct <= p.last {
		return
	}
	p.last = pct
	p.rep.Progress(p.id, pct)
}

func (p *progressTracker) bytes() int64 {
	return p.sent.Load()
}

func percentOf(sent, total int64) float64 {
	if total <= 0 {
		return 100
	}
	pct := float64(sent) / float64(total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
