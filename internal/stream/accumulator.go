package stream

// Accumulator tracks token usage across a child's lifetime. All counters are
// monotonically increasing; Add never decrements them, matching the
// saturating-addition accumulation rule applied to every "usage" event.
type Accumulator struct {
	InputTokens          int
	OutputTokens         int
	CacheCreationTokens  int
	CacheReadTokens      int
	Messages             int
}

// Add folds one usage report into the accumulator using saturating
// addition: a token counter stops at the largest int instead of wrapping,
// and a negative field is ignored. Fields absent from the report (zero
// value) contribute nothing, which is indistinguishable from an explicit
// zero — both are no-ops against a monotonically increasing counter.
func (a *Accumulator) Add(u Usage) {
	const maxInt = int(^uint(0) >> 1)
	add := func(total, n int) int {
		if n <= 0 {
			return total
		}
		if total > maxInt-n {
			return maxInt
		}
		return total + n
	}
	a.InputTokens = add(a.InputTokens, u.InputTokens)
	a.OutputTokens = add(a.OutputTokens, u.OutputTokens)
	a.CacheCreationTokens = add(a.CacheCreationTokens, u.CacheCreationInputTokens)
	a.CacheReadTokens = add(a.CacheReadTokens, u.CacheReadInputTokens)
	a.Messages++
}

// Total returns the sum of every component counter.
func (a *Accumulator) Total() int {
	return a.InputTokens + a.OutputTokens + a.CacheCreationTokens + a.CacheReadTokens
}
