package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/tunebook/tunebook/internal/model"
	"github.com/tunebook/tunebook/internal/practice"
	"github.com/tunebook/tunebook/internal/queue"
	"github.com/tunebook/tunebook/internal/schedule"
	"github.com/tunebook/tunebook/internal/store"
)

// app bundles the wired components most commands need.
type app struct {
	store     *store.Store
	engine    *schedule.Engine
	practice  *practice.Service
	generator *queue.Generator
}

// openApp opens the store and builds the scheduling stack from config.
func openApp() (*app, error) {
	st, err := store.Open(cfg.DBPath, &store.Options{
		SnapshotPath: cfg.SnapshotPath,
		Logger:       newLogger("store"),
	})
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, err
	}

	engCfg := schedule.Config{
		DesiredRetention: cfg.Schedule.DesiredRetention,
		MaxIntervalDays:  cfg.Schedule.MaxIntervalDays,
	}
	if len(cfg.Schedule.Parameters) == 21 {
		copy(engCfg.Parameters[:], cfg.Schedule.Parameters)
	}
	engine, err := schedule.New(engCfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		store:     st,
		engine:    engine,
		practice:  practice.NewService(st, engine, newLogger("practice")),
		generator: queue.NewGenerator(st, engine, queue.Options{
			PerDay: cfg.Queue.PerDay,
			Logger: newLogger("queue"),
		}),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Printf("Warning: close failed: %v\n", err)
	}
}

// resolveCollection finds a collection by id or name for the
// configured user.
func (a *app) resolveCollection(ctx context.Context, ref string) (*model.Collection, error) {
	if c, err := a.store.GetCollection(ctx, ref); err == nil {
		return c, nil
	}

	collections, err := a.store.ListCollections(ctx, cfg.User)
	if err != nil {
		return nil, err
	}
	for _, c := range collections {
		if strings.EqualFold(c.Name, ref) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("collection %q: %w", ref, store.ErrNotFound)
}

// resolveTune finds a tune by id or title, overrides applied.
func (a *app) resolveTune(ctx context.Context, ref string) (*model.Tune, error) {
	if t, err := a.store.GetTuneForUser(ctx, cfg.User, ref); err == nil {
		return t, nil
	}

	tunes, err := a.store.ListTunes(ctx, store.TuneFilter{})
	if err != nil {
		return nil, err
	}
	for _, t := range tunes {
		if strings.EqualFold(t.Title, ref) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tune %q: %w", ref, store.ErrNotFound)
}

// parseDate resolves natural-language date input ("today",
// "tomorrow", "next friday", "2026-03-01") to a time.
func parseDate(text string) (time.Time, error) {
	if text == "" {
		return time.Now(), nil
	}
	if t, err := time.Parse("2006-01-02", text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", text, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand date %q", text)
	}
	return result.Time, nil
}
