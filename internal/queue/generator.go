package queue

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"time"

	"github.com/tunebook/tunebook/internal/events"
	"github.com/tunebook/tunebook/internal/model"
	"github.com/tunebook/tunebook/internal/schedule"
	"github.com/tunebook/tunebook/internal/store"
)

// Mode selects which item classes a generated queue draws from.
type Mode string

const (
	ModeDue     Mode = "due"      // due items plus new items, quota balanced
	ModeNewOnly Mode = "new_only" // never-practiced items only
	ModeAll     Mode = "all"      // every collection member, no quota
)

// ParseMode maps input onto a queue mode, defaulting to due.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeNewOnly, ModeAll:
		return Mode(s)
	default:
		return ModeDue
	}
}

// Generator builds and caches daily practice queues.
type Generator struct {
	store  *store.Store
	engine *schedule.Engine
	perDay int
	logger *log.Logger
}

// Options configures a Generator.
type Options struct {
	PerDay int // daily cap; zero means 20
	Logger *log.Logger
}

// NewGenerator creates a queue generator over the given store and
// scheduling engine.
func NewGenerator(st *store.Store, engine *schedule.Engine, opts Options) *Generator {
	perDay := opts.PerDay
	if perDay <= 0 {
		perDay = 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Generator{store: st, engine: engine, perDay: perDay, logger: logger}
}

// GenerateOrGet returns the practice queue for one user, collection
// and day. An existing cached queue is returned as-is unless force is
// set; otherwise the queue is generated from current memory state and
// stored with a full replace, so repeated calls never duplicate
// entries. asOf is truncated to its calendar date.
func (g *Generator) GenerateOrGet(ctx context.Context, userID, collectionID string, asOf time.Time, mode Mode, force bool) ([]model.QueueEntry, error) {
	queueDate := asOf.Format("2006-01-02")

	if !force {
		cached, err := g.store.GetQueue(ctx, userID, collectionID, queueDate)
		if err != nil {
			return nil, err
		}
		if len(cached) > 0 {
			return cached, nil
		}
	}

	members, err := g.store.CollectionMemoryStates(ctx, userID, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection state: %w", err)
	}

	// End of the queue day: an item due any time that day counts as due.
	dayEnd := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 23, 59, 59, 0, asOf.Location())

	var due, fresh []candidate
	for _, m := range members {
		switch {
		case m.State == nil || m.State.State == model.StateNew:
			fresh = append(fresh, candidate{tuneID: m.TuneID})
		case !m.State.Due.After(dayEnd):
			due = append(due, candidate{
				tuneID:         m.TuneID,
				due:            m.State.Due,
				retrievability: g.engine.Retrievability(*m.State, dayEnd),
			})
		}
	}

	selected := g.selectCandidates(due, fresh, mode)

	generatedAt := time.Now().UTC()
	entries := make([]model.QueueEntry, len(selected))
	for i, c := range selected {
		entries[i] = model.QueueEntry{
			QueueDate:    queueDate,
			UserID:       userID,
			CollectionID: collectionID,
			TuneID:       c.tuneID,
			Rank:         i,
			GeneratedAt:  generatedAt,
		}
	}

	if err := g.store.ReplaceQueue(ctx, userID, collectionID, queueDate, entries); err != nil {
		return nil, err
	}

	g.logger.Printf("generated queue for %s on %s: %d entries (%d due, %d new)",
		collectionID, queueDate, len(entries), len(due), len(fresh))
	g.store.Bus().Emit(events.KindQueueRegenerated, map[string]string{
		"collection_id": collectionID,
		"queue_date":    queueDate,
	})
	return entries, nil
}

type candidate struct {
	tuneID         string
	due            time.Time
	retrievability float64
}

// selectCandidates orders and trims candidates per mode. Ordering is
// deterministic: earliest due first, then lowest retrievability, then
// tune id. New items carry a zero due date and therefore sort ahead of
// due items only in new_only mode, where no due items compete; in due
// mode they fill the reserved share after the due items.
func (g *Generator) selectCandidates(due, fresh []candidate, mode Mode) []candidate {
	sortCandidates(due)
	sortCandidates(fresh)

	switch mode {
	case ModeNewOnly:
		if len(fresh) > g.perDay {
			fresh = fresh[:g.perDay]
		}
		return fresh

	case ModeAll:
		return append(due, fresh...)

	default:
		// A third of the cap, rounded up, is held for new items even
		// when the due backlog exceeds the cap.
		newQuota := int(math.Ceil(float64(g.perDay) / 3))
		if newQuota > len(fresh) {
			newQuota = len(fresh)
		}
		dueQuota := g.perDay - newQuota
		if dueQuota > len(due) {
			dueQuota = len(due)
		}
		// Unused due slots flow back to new items.
		if spare := g.perDay - dueQuota - newQuota; spare > 0 {
			newQuota += spare
			if newQuota > len(fresh) {
				newQuota = len(fresh)
			}
		}

		out := make([]candidate, 0, dueQuota+newQuota)
		out = append(out, due[:dueQuota]...)
		out = append(out, fresh[:newQuota]...)
		return out
	}
}

func sortCandidates(cs []candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].due.Equal(cs[j].due) {
			return cs[i].due.Before(cs[j].due)
		}
		if cs[i].retrievability != cs[j].retrievability {
			return cs[i].retrievability < cs[j].retrievability
		}
		return cs[i].tuneID < cs[j].tuneID
	})
}
