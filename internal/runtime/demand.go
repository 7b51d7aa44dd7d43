package runtime

import (
	"math"
	"strconv"
)

// Demand is the number of messages a consumer is willing to receive. It is
// either a finite non-negative count or Unbounded.
type Demand struct {
	n         int64
	unbounded bool
}

// Unbounded is the demand of a consumer that is not paused.
var Unbounded = Demand{unbounded: true}

// Finite returns a demand of n messages. Negative values clamp to zero.
func Finite(n int64) Demand {
	if n < 0 {
		n = 0
	}
	return Demand{n: n}
}

// IsUnbounded reports whether d never runs out.
func (d Demand) IsUnbounded() bool { return d.unbounded }

// IsZero reports whether no further messages may be delivered.
func (d Demand) IsZero() bool { return !d.unbounded && d.n == 0 }

// Count returns the finite count, or math.MaxInt64 for Unbounded.
func (d Demand) Count() int64 {
	if d.unbounded {
		return math.MaxInt64
	}
	return d.n
}

// Add returns d plus n. Overflow saturates at Unbounded.
func (d Demand) Add(n int64) Demand {
	if d.unbounded || n < 0 {
		return d
	}
	if n > math.MaxInt64-d.n {
		return Unbounded
	}
	return Demand{n: d.n + n}
}

// Plus returns the saturating sum of two demands.
func (d Demand) Plus(o Demand) Demand {
	if o.unbounded {
		return Unbounded
	}
	return d.Add(o.n)
}

// Consume returns the demand left after one delivery.
func (d Demand) Consume() Demand {
	if d.unbounded || d.n == 0 {
		return d
	}
	return Demand{n: d.n - 1}
}

func (d Demand) String() string {
	if d.unbounded {
		return "unbounded"
	}
	return strconv.FormatInt(d.n, 10)
}
