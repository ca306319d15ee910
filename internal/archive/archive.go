// Package archive moves terminal runs out of the live journal.
//
// Archiving snapshots the run (invocation, steps, markers), stores the
// document, and purges the run's steps and markers from the journal while
// keeping the invocation row, so a resubmitted run stays deduplicated.
package archive

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/roach88/bulbflow/internal/store"
)

// Archiver stores and retrieves archived runs.
type Archiver interface {
	Archive(ctx context.Context, snap store.RunSnapshot) error
	Fetch(ctx context.Context, runID string) (store.RunSnapshot, bool, error)
}

// Journal is the part of the store an archiver needs.
type Journal interface {
	ArchiveRun(ctx context.Context, runID string, document []byte) error
	GetArchive(ctx context.Context, runID string) ([]byte, bool, error)
}

// StoreArchiver keeps archive documents in the journal itself.
type StoreArchiver struct {
	journal Journal
}

// NewStoreArchiver returns an archiver writing to journal.
func NewStoreArchiver(journal Journal) *StoreArchiver {
	return &StoreArchiver{journal: journal}
}

// Archive implements Archiver.
func (a *StoreArchiver) Archive(ctx context.Context, snap store.RunSnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("archive %s: %w", snap.Invocation.ID, err)
	}
	return a.journal.ArchiveRun(ctx, snap.Invocation.ID, doc)
}

// Fetch implements Archiver.
func (a *StoreArchiver) Fetch(ctx context.Context, runID string) (store.RunSnapshot, bool, error) {
	doc, found, err := a.journal.GetArchive(ctx, runID)
	if err != nil || !found {
		return store.RunSnapshot{}, found, err
	}
	var snap store.RunSnapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return store.RunSnapshot{}, false, fmt.Errorf("decode archive %s: %w", runID, err)
	}
	return snap, true, nil
}
