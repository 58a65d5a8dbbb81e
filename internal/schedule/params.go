package schedule

import "fmt"

// Parameters are the 21 FSRS model weights. The defaults are the FSRS
// v6 reference values; per-user optimized weights may be supplied via
// configuration as long as they stay within bounds.
type Parameters [21]float64

// DefaultParameters are the FSRS v6 reference weights.
var DefaultParameters = Parameters{
	0.212, 1.2931, 2.3065, 8.2956, // initial stability per rating
	6.4133, 0.8334, 3.0194, 0.001, // difficulty
	1.8722, 0.1666, 0.796, 1.4835, // recall stability
	0.0614, 0.2629, 1.6483, 0.6014, // forget stability
	1.8729, 0.5425, 0.0912, 0.0658, // easy bonus / short-term
	0.1542, // decay exponent
}

var (
	lowerBounds = Parameters{
		0.001, 0.001, 0.001, 0.001,
		1.0, 0.001, 0.001, 0.001,
		0.0, 0.0, 0.001, 0.001,
		0.001, 0.001, 0.0, 0.0,
		1.0, 0.0, 0.0, 0.0,
		0.1,
	}
	upperBounds = Parameters{
		100.0, 100.0, 100.0, 100.0,
		10.0, 4.0, 4.0, 0.75,
		4.5, 0.8, 3.5, 5.0,
		0.25, 0.9, 4.0, 1.0,
		6.0, 2.0, 2.0, 0.8,
		0.8,
	}
)

// Validate checks that every weight is within its allowed range.
func (p Parameters) Validate() error {
	for i := range p {
		if p[i] < lowerBounds[i] || p[i] > upperBounds[i] {
			return fmt.Errorf("parameter w[%d] = %f out of bounds [%f, %f]",
				i, p[i], lowerBounds[i], upperBounds[i])
		}
	}
	return nil
}
