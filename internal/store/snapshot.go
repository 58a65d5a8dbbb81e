package store

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Persist flushes the database to durable storage: a WAL checkpoint
// followed by a full snapshot written atomically over the snapshot
// blob. Idempotent and safe to call after every mutating transaction.
//
// A persist failure is returned for reporting but does not roll back
// any committed state; the next call retries from scratch.
func (s *Store) Persist(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}

	if s.snapshotPath == "" {
		return nil
	}

	// VACUUM INTO refuses to overwrite, so write to a temp path and
	// rename over the blob for atomic replacement.
	tmp := s.snapshotPath + ".tmp"
	_ = os.Remove(tmp)

	if _, err := s.conn.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	return nil
}

// SnapshotPath returns the durable snapshot blob location, or empty
// when snapshotting is disabled.
func (s *Store) SnapshotPath() string {
	return s.snapshotPath
}

// restoreSnapshot copies the snapshot blob to dbPath when the live
// database file does not exist. Called before opening the connection.
func restoreSnapshot(dbPath, snapshotPath string) error {
	if _, err := os.Stat(dbPath); err == nil {
		return nil // live database present, nothing to restore
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat database: %w", err)
	}

	src, err := os.Open(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // fresh install, no snapshot yet
		}
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dbPath)
	if err != nil {
		return fmt.Errorf("failed to create database from snapshot: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dbPath)
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dbPath)
		return fmt.Errorf("failed to finalize restored database: %w", err)
	}

	return nil
}
