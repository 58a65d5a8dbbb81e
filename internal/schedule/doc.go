// Package schedule computes spaced-repetition state for practiced
// tunes using an FSRS-style forgetting-curve model.
//
// The engine maintains two real-valued memory parameters per (tune,
// collection) pair: stability (a retention half-life proxy) and
// difficulty (intrinsic resistance to being remembered). Each rating
// event updates both from their prior values and the elapsed time
// since the last practice, transitions the discrete practice state,
// and derives the next due date.
//
// Two policies hold regardless of model output:
//
//   - The due date is always at least one calendar day after the
//     practice time, so same-day re-scheduling artifacts never reach
//     the queue.
//   - Computation never fails for any valid prior state; a missing
//     prior state means "new tune", not an error.
package schedule
