package rudp

// seqWindow remembers which of the last seqWindowSize sequence numbers
// have been seen, relative to the highest one. It suppresses duplicates
// of unreliable and unsequenced commands, which arrive in any order.
type seqWindow struct {
	started bool
	highest uint16
	bits    [seqWindowSize / 64]uint64
}

func (w *seqWindow) get(seq uint16) bool {
	i := seq % seqWindowSize
	return w.bits[i/64]&(1<<(i%64)) != 0
}

func (w *seqWindow) set(seq uint16) {
	i := seq % seqWindowSize
	w.bits[i/64] |= 1 << (i % 64)
}

func (w *seqWindow) clear(seq uint16) {
	i := seq % seqWindowSize
	w.bits[i/64] &^= 1 << (i % 64)
}

// accept records seq and reports whether it is new. Sequence numbers
// older than the window are rejected because their uniqueness can no
// longer be checked.
func (w *seqWindow) accept(seq uint16) bool {
	if !w.started {
		w.started = true
		w.highest = seq
		w.set(seq)
		return true
	}

	ahead := seq - w.highest
	switch {
	case ahead == 0:
		return false
	case ahead < 0x8000:
		if ahead >= seqWindowSize {
			w.bits = [seqWindowSize / 64]uint64{}
		} else {
			for i := uint16(1); i <= ahead; i++ {
				w.clear(w.highest + i)
			}
		}
		w.highest = seq
		w.set(seq)
		return true
	}

	if w.highest-seq >= seqWindowSize || w.get(seq) {
		return false
	}
	w.set(seq)
	return true
}

func (w *seqWindow) reset() { *w = seqWindow{} }
