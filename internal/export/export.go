// Package export writes a user's library to a portable JSONL file and
// reads one back in. Each line is an envelope naming a sync table and
// carrying one row, so a file survives schema-oblivious tooling like
// grep and jq.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tunebook/tunebook/internal/model"
	"github.com/tunebook/tunebook/internal/store"
)

// Line is one JSONL envelope: a table name and a whole-row payload.
type Line struct {
	Table string          `json:"table"`
	Data  json.RawMessage `json:"data"`
}

// Options configures an export or import run.
type Options struct {
	// Path of the JSONL file to write or read.
	Path string
	// DryRun counts what would happen without touching anything.
	DryRun bool
	// Backup copies an existing export file aside before overwriting.
	Backup bool
}

// Result holds per-table counts for one run.
type Result struct {
	Tunes       int
	Overrides   int
	Collections int
	Memberships int
	Records     int

	// Skipped counts rows already present locally (import only).
	Skipped int
	// BackupCreated is the path of the pre-overwrite copy, if any.
	BackupCreated string
	Errors        []string
}

// Total returns the number of rows the run touched.
func (r *Result) Total() int {
	return r.Tunes + r.Overrides + r.Collections + r.Memberships + r.Records
}

// Export writes the user's full library: private tunes, every tune
// reachable through the user's collections, overrides, collections,
// memberships, and practice history. Tombstones are never exported.
func Export(ctx context.Context, st *store.Store, userID string, opts Options) (*Result, error) {
	result := &Result{}

	tunes, err := collectTunes(ctx, st, userID)
	if err != nil {
		return nil, err
	}
	overrides, err := st.ListOverrides(ctx, userID)
	if err != nil {
		return nil, err
	}
	collections, err := st.ListCollections(ctx, userID)
	if err != nil {
		return nil, err
	}
	var memberships []*model.CollectionTune
	for _, c := range collections {
		ms, err := st.ListCollectionTunes(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, ms...)
	}
	records, err := st.ListUserPracticeRecords(ctx, userID)
	if err != nil {
		return nil, err
	}

	result.Tunes = len(tunes)
	result.Overrides = len(overrides)
	result.Collections = len(collections)
	result.Memberships = len(memberships)
	result.Records = len(records)

	if opts.DryRun {
		return result, nil
	}

	if opts.Backup {
		if _, err := os.Stat(opts.Path); err == nil {
			backupPath := opts.Path + ".backup." + time.Now().Format("20060102-150405")
			prior, err := os.ReadFile(opts.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to read prior export for backup: %w", err)
			}
			if err := os.WriteFile(backupPath, prior, 0600); err != nil {
				return nil, fmt.Errorf("failed to create backup: %w", err)
			}
			result.BackupCreated = backupPath
		}
	}

	// Write atomically via temp file so a crash never leaves a
	// truncated export behind.
	tmpPath := opts.Path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}

	enc := json.NewEncoder(f)
	write := func(table string, row any) error {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to marshal %s row: %w", table, err)
		}
		return enc.Encode(Line{Table: table, Data: data})
	}

	err = func() error {
		for _, t := range tunes {
			if err := write("tunes", t); err != nil {
				return err
			}
		}
		for _, o := range overrides {
			if err := write("tune_overrides", o); err != nil {
				return err
			}
		}
		for _, c := range collections {
			if err := write("collections", c); err != nil {
				return err
			}
		}
		for _, m := range memberships {
			if err := write("collection_tunes", m); err != nil {
				return err
			}
		}
		for i := range records {
			if err := write("practice_records", &records[i]); err != nil {
				return err
			}
		}
		return f.Close()
	}()
	if err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, opts.Path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to finalize export file: %w", err)
	}
	return result, nil
}

// Import reads a JSONL export and applies it through the normal store
// operations, so imported rows pick up local sync metadata and outbox
// entries. Rows already present locally are skipped, never overwritten.
func Import(ctx context.Context, st *store.Store, opts Options) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}
	defer f.Close()

	result := &Result{}
	dec := json.NewDecoder(f)
	lineNum := 0

	for {
		var line Line
		if err := dec.Decode(&line); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if err := importLine(ctx, st, line, opts.DryRun, result); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("line %d (%s): %v", lineNum, line.Table, err))
		}
	}
	return result, nil
}

func importLine(ctx context.Context, st *store.Store, line Line, dryRun bool, result *Result) error {
	switch line.Table {
	case "tunes":
		var t model.Tune
		if err := json.Unmarshal(line.Data, &t); err != nil {
			return err
		}
		if _, err := st.GetTune(ctx, t.ID); err == nil {
			result.Skipped++
			return nil
		}
		if !dryRun {
			t.SyncMeta = model.SyncMeta{}
			if err := st.SaveTune(ctx, &t); err != nil {
				return err
			}
		}
		result.Tunes++

	case "tune_overrides":
		var o model.TuneOverride
		if err := json.Unmarshal(line.Data, &o); err != nil {
			return err
		}
		if !dryRun {
			for field, value := range o.Fields {
				if err := st.SetOverrideField(ctx, o.UserID, o.TuneID, field, value); err != nil {
					return err
				}
			}
		}
		result.Overrides++

	case "collections":
		var c model.Collection
		if err := json.Unmarshal(line.Data, &c); err != nil {
			return err
		}
		if _, err := st.GetCollection(ctx, c.ID); err == nil {
			result.Skipped++
			return nil
		}
		if !dryRun {
			c.SyncMeta = model.SyncMeta{}
			if err := st.SaveCollection(ctx, &c); err != nil {
				return err
			}
		}
		result.Collections++

	case "collection_tunes":
		var m model.CollectionTune
		if err := json.Unmarshal(line.Data, &m); err != nil {
			return err
		}
		if !dryRun {
			// AddTuneToCollection is idempotent for live members.
			if err := st.AddTuneToCollection(ctx, m.CollectionID, m.TuneID); err != nil {
				return err
			}
		}
		result.Memberships++

	case "practice_records":
		var r model.PracticeRecord
		if err := json.Unmarshal(line.Data, &r); err != nil {
			return err
		}
		if dryRun {
			result.Records++
			return nil
		}
		inserted, err := st.ImportPracticeRecord(ctx, &r)
		if err != nil {
			return err
		}
		if inserted {
			result.Records++
		} else {
			result.Skipped++
		}

	default:
		return fmt.Errorf("unknown table %q", line.Table)
	}
	return nil
}

// collectTunes gathers the user's private tunes plus every tune that is
// a member of one of the user's collections, deduplicated.
func collectTunes(ctx context.Context, st *store.Store, userID string) ([]*model.Tune, error) {
	tunes, err := st.ListTunes(ctx, store.TuneFilter{OwnerUserID: userID})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(tunes))
	for _, t := range tunes {
		seen[t.ID] = true
	}

	collections, err := st.ListCollections(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range collections {
		memberships, err := st.ListCollectionTunes(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range memberships {
			if seen[m.TuneID] {
				continue
			}
			tune, err := st.GetTune(ctx, m.TuneID)
			if err != nil {
				continue // membership pointing at a tombstoned tune
			}
			seen[m.TuneID] = true
			tunes = append(tunes, tune)
		}
	}
	return tunes, nil
}
