package schedule

import "math"

// curve holds the model weights together with the two constants every
// formula needs, precomputed once at engine construction.
type curve struct {
	w      Parameters
	decay  float64 // -w[20]
	factor float64 // 0.9^(1/decay) - 1
}

func newCurve(w Parameters) curve {
	decay := -w[20]
	return curve{
		w:      w,
		decay:  decay,
		factor: math.Pow(0.9, 1.0/decay) - 1.0,
	}
}

// retrievability is the modeled probability of recall after elapsed
// days at the given stability: R(t, S) = (1 + factor*t/S)^decay.
func (c *curve) retrievability(elapsedDays, stability float64) float64 {
	return math.Pow(1+c.factor*elapsedDays/stability, c.decay)
}

// initialStability seeds stability from the first rating.
func (c *curve) initialStability(r Rating) float64 {
	return clampStability(c.w[r-1])
}

// initialDifficulty seeds difficulty from the first rating:
// D0(G) = w[4] - e^(w[5]*(G-1)) + 1.
func (c *curve) initialDifficulty(r Rating, clamp bool) float64 {
	d := c.w[4] - math.Exp(c.w[5]*float64(r-1)) + 1
	if clamp {
		return clampDifficulty(d)
	}
	return d
}

// intervalDays converts stability into a scheduling interval for the
// desired retention, clamped to [1, maxDays].
func (c *curve) intervalDays(stability, desiredRetention float64, maxDays int) int {
	raw := stability / c.factor * (math.Pow(desiredRetention, 1.0/c.decay) - 1)
	days := int(math.Round(raw))
	if days < 1 {
		days = 1
	}
	if days > maxDays {
		days = maxDays
	}
	return days
}

// sameDayStability handles a repeat practice within the same day,
// where the full forgetting-curve update does not apply.
func (c *curve) sameDayStability(stability float64, r Rating) float64 {
	inc := math.Exp(c.w[17]*(float64(r)-3+c.w[18])) * math.Pow(stability, -c.w[19])
	if r == Good || r == Easy {
		inc = math.Max(inc, 1.0)
	}
	return clampStability(stability * inc)
}

// nextDifficulty updates difficulty with linear damping and mean
// reversion toward the initial-easy difficulty.
func (c *curve) nextDifficulty(difficulty float64, r Rating) float64 {
	delta := -c.w[6] * (float64(r) - 3)
	damped := difficulty + (10-difficulty)*delta/9
	target := c.initialDifficulty(Easy, false)
	return clampDifficulty(c.w[7]*target + (1-c.w[7])*damped)
}

// nextStability updates stability after a cross-day practice, using
// the recall branch for Hard/Good/Easy and the forget branch for Fail.
func (c *curve) nextStability(difficulty, stability, retr float64, r Rating) float64 {
	if r == Fail {
		return clampStability(c.forgetStability(difficulty, stability, retr))
	}
	return clampStability(c.recallStability(difficulty, stability, retr, r))
}

func (c *curve) recallStability(d, s, retr float64, r Rating) float64 {
	hardPenalty := 1.0
	if r == Hard {
		hardPenalty = c.w[15]
	}
	easyBonus := 1.0
	if r == Easy {
		easyBonus = c.w[16]
	}
	return s * (1 + math.Exp(c.w[8])*
		(11-d)*
		math.Pow(s, -c.w[9])*
		(math.Exp((1-retr)*c.w[10])-1)*
		hardPenalty*easyBonus)
}

func (c *curve) forgetStability(d, s, retr float64) float64 {
	long := c.w[11] *
		math.Pow(d, -c.w[12]) *
		(math.Pow(s+1, c.w[13]) - 1) *
		math.Exp((1-retr)*c.w[14])
	short := s / math.Exp(c.w[17]*c.w[18])
	return math.Min(long, short)
}

func clampStability(s float64) float64 {
	return math.Max(s, 0.001)
}

func clampDifficulty(d float64) float64 {
	return math.Min(math.Max(d, 1), 10)
}
