package scheduler

// ledger tracks per-page durability and derives the resume floor: the
// highest page such that it and every page below it had all records durably
// handled. Pages above a failed page never enter the floor in this run.
//
// A page becomes durable once the flush epoch its last record waited on
// (its watermark) has committed. Pages whose records all deduplicated away
// carry watermark 0 and are durable immediately.
//
// The caller provides locking; ledger itself is not goroutine safe.
type ledger struct {
	// floor is the current contiguous durable floor.
	floor int
	// epoch is the highest committed flush epoch.
	epoch uint64
	// durable holds pages above the floor already known durable.
	durable map[int]struct{}
	// pending maps an uncommitted watermark epoch to the finished pages
	// waiting on it.
	pending map[uint64][]int
	// failed holds pages that permanently block the floor this run.
	failed map[int]struct{}
}

func newLedger(floor int) ledger {
	return ledger{
		floor:   floor,
		durable: make(map[int]struct{}),
		pending: make(map[uint64][]int),
		failed:  make(map[int]struct{}),
	}
}

func (l *ledger) pageDone(page int, watermark uint64) {
	if watermark <= l.epoch {
		l.markDurable(page)
		return
	}
	l.pending[watermark] = append(l.pending[watermark], page)
}

func (l *ledger) pageFailed(page int) {
	l.failed[page] = struct{}{}
}

// commitEpoch records a committed flush and releases every page whose
// watermark is now covered.
func (l *ledger) commitEpoch(epoch uint64) {
	if epoch > l.epoch {
		l.epoch = epoch
	}
	for mark, pages := range l.pending {
		if mark > l.epoch {
			continue
		}
		for _, page := range pages {
			l.markDurable(page)
		}
		delete(l.pending, mark)
	}
}

func (l *ledger) markDurable(page int) {
	if page <= l.floor {
		return
	}
	l.durable[page] = struct{}{}
	l.advance()
}

// advance walks the floor upward while the next page is durable and not
// failed. A gap, a still-pending page, or a failed page stops it.
func (l *ledger) advance() {
	for {
		next := l.floor + 1
		if _, bad := l.failed[next]; bad {
			return
		}
		if _, ok := l.durable[next]; !ok {
			return
		}
		delete(l.durable, next)
		l.floor = next
	}
}
