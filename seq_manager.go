package worker

// seqNum is the identifier width a SeqManager can rewrite: RTP sequence
// numbers and VP8 picture ids (uint16, the latter masked to 15 bits) or VP8
// tl0 picture indexes (uint8).
type seqNum interface {
	~uint8 | ~uint16
}

// SeqManager rewrites a stream of input identifiers into a continuous output
// identifier space, preserving relative order modulo the configured width.
// Dropped inputs never surface downstream and do not advance the output.
type SeqManager[T seqNum] struct {
	maxNumber T
	started   bool
	base      T
	maxInput  T
	maxOutput T
	dropped   map[T]struct{}
}

// NewSeqManager creates a manager for identifiers of the given bit width.
// The width may be smaller than the type width (15 bits for VP8 picture ids).
func NewSeqManager[T seqNum](bits int) *SeqManager[T] {
	return &SeqManager[T]{
		maxNumber: T(1)<<bits - 1,
		dropped:   make(map[T]struct{}),
	}
}

// IsHigherThan applies the modular comparison at this manager's width:
// a is newer than b taking wraparound into account.
func (s *SeqManager[T]) IsHigherThan(a, b T) bool {
	half := s.maxNumber/2 + 1
	return a != b && ((a > b && a-b < half) || (a < b && b-a >= half))
}

// Sync sets the reference input to base. The next Input whose value is base+1
// produces maxOutput+1, so the output stream continues without a gap. On a
// fresh manager the output space is anchored to the input space, so the first
// stream passes through with its own identifiers.
func (s *SeqManager[T]) Sync(base T) {
	base &= s.maxNumber
	if !s.started {
		s.maxOutput = base
		s.started = true
	}
	s.base = (s.maxOutput - base) & s.maxNumber
	s.maxInput = base

	// Drops recorded before the sync belong to the old input space.
	for k := range s.dropped {
		delete(s.dropped, k)
	}
}

// Drop records that input will never be forwarded. Subsequent higher inputs
// skip one output slot for it.
func (s *SeqManager[T]) Drop(input T) {
	input &= s.maxNumber

	if s.IsHigherThan(input, s.maxInput) {
		s.maxInput = input
	}
	s.dropped[input] = struct{}{}
	s.gcDropped()
}

// Input maps the given input to its output value. It reports false for
// dropped inputs; reordered old inputs within the window still map, newer
// ones advance it.
func (s *SeqManager[T]) Input(input T) (output T, ok bool) {
	input &= s.maxNumber

	if !s.started {
		s.Sync(input - 1)
	}

	if _, isDropped := s.dropped[input]; isDropped {
		return 0, false
	}

	base := (s.base - s.droppedNotHigherThan(input)) & s.maxNumber
	output = (input + base) & s.maxNumber

	if s.IsHigherThan(input, s.maxInput) {
		s.maxInput = input
	}
	if s.IsHigherThan(output, s.maxOutput) {
		s.maxOutput = output
	}
	return output, true
}

// GetMaxInput returns the greatest input seen.
func (s *SeqManager[T]) GetMaxInput() T {
	return s.maxInput
}

// GetMaxOutput returns the greatest output produced.
func (s *SeqManager[T]) GetMaxOutput() T {
	return s.maxOutput
}

func (s *SeqManager[T]) droppedNotHigherThan(input T) (count T) {
	for dropped := range s.dropped {
		if !s.IsHigherThan(dropped, input) {
			count++
		}
	}
	return count
}

// gcDropped evicts drops that slid out of the comparison window, folding
// their offset into base so the mapping of live inputs is unchanged.
func (s *SeqManager[T]) gcDropped() {
	half := s.maxNumber / 2
	for dropped := range s.dropped {
		if delta := (s.maxInput - dropped) & s.maxNumber; delta > half {
			delete(s.dropped, dropped)
			s.base = (s.base - 1) & s.maxNumber
		}
	}
}

// isSeqHigherThan is the 16-bit modular comparison used on RTP sequence
// numbers outside any SeqManager.
func isSeqHigherThan(a, b uint16) bool {
	return a != b && ((a > b && a-b < 0x8000) || (a < b && b-a >= 0x8000))
}

// isSeqLowerThan is the 16-bit modular counterpart of isSeqHigherThan.
func isSeqLowerThan(a, b uint16) bool {
	return isSeqHigherThan(b, a)
}
