// Package accrual converts elapsed time into the amount owed to a stream's
// recipient. It is deliberately pure: no storage, no clock, no collaborators,
// so the vesting math is trivially unit-testable.
package accrual

// Accrued returns how much of deposit has become owed as of now.
//
// Rules, applied in order:
//   - Nothing accrues before the cliff, even if now is already past end.
//   - An invalid schedule (start >= end) or negative rate yields 0; the
//     lifecycle machine rejects such schedules at creation, but this function
//     must stay total if invoked regardless.
//   - Accrual freezes at end: time past end contributes nothing further.
//   - elapsed * rate saturates to deposit on overflow instead of wrapping.
//   - The result is clamped to [0, deposit].
//
// For any now >= end this reduces to min(rate*(end-start), deposit), and the
// result is monotonically non-decreasing in now for fixed schedule parameters.
func Accrued(start, cliff, end, rate, deposit, now int64) int64 {
	if now < cliff {
		return 0
	}
	if start >= end || rate < 0 {
		return 0
	}

	effectiveNow := now
	if effectiveNow > end {
		effectiveNow = end
	}
	elapsed := effectiveNow - start
	if elapsed < 0 {
		return 0
	}

	raw, ok := mul64(elapsed, rate)
	if !ok {
		raw = deposit
	}
	return clamp(raw, 0, deposit)
}

func mul64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a {
		return 0, false
	}
	return p, true
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
