package smr

// shouldScan reports whether tr's retired list has grown enough to
// warrant an eager Scan before the next Retire call, rather than waiting
// for the list to hit RetireCapacity outright.
//
// The "memory" being watched is just the length of one goroutine's own
// retired list rather than a runtime.MemStats sample: a ratio threshold
// below the hard cap trades a little extra scanning for a flatter
// worst-case retired-list size.
func shouldScan(tr *ThreadRecord) bool {
	capacity := tr.domain.cfg.RetireCapacity
	if len(tr.retired) >= capacity {
		return true
	}
	ratio := tr.domain.cfg.RetirePressureRatio
	threshold := int(float64(capacity) * ratio)
	return len(tr.retired) >= threshold
}
