// Package progress prints transfer progress lines.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/mko/gloader/internal/store"
)

// DefaultStep is the percentage between two reported lines.
const DefaultStep = 10

// Reporter writes one line per Step percent of each transfer.
type Reporter struct {
	mu   sync.Mutex
	out  io.Writer
	Step int
}

// New creates a Reporter writing to out.
func New(out io.Writer) *Reporter {
	return &Reporter{out: out, Step: DefaultStep}
}

// Track returns a store.ProgressFunc labelled "<op> <name>". A nil Reporter
// returns nil, which stores treat as no reporting.
func (r *Reporter) Track(op, name string) store.ProgressFunc {
	if r == nil {
		return nil
	}

	step := max(r.Step, 1)
	lastBucket := -1
	return func(done, total int64) {
		pct := 100
		if total > 0 {
			pct = int(done * 100 / total)
		}
		if pct/step == lastBucket {
			return
		}
		lastBucket = pct / step

		r.mu.Lock()
		defer r.mu.Unlock()
		if total < 0 {
			_, _ = fmt.Fprintf(r.out, "%s %s: %s\n", op, name, humanize.Bytes(uint64(done)))
			return
		}
		_, _ = fmt.Fprintf(r.out, "%s %s: %s / %s (%d%%)\n",
			op, name, humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)), pct)
	}
}
