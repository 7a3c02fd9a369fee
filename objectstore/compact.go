package objectstore

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/repository"
)

// Compact merges a type's per-commit data files into one snapshot file
// covering their commit range. It runs under the write lease with
// keep-alive, preserves per-row commit ids and deterministic ordering, and
// verifies head stability immediately before publishing the rewritten
// index. The merged per-commit files are retained; purging them is a
// separate follow-up.
func (s *Store) Compact(ctx context.Context, key repository.TypeKey, ownerID string) error {
	lease, err := s.BeginWrite(ctx, ownerID)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if releaseErr := lease.Release(releaseCtx); releaseErr != nil {
			s.logger.Warn("failed to release compaction lease", zap.Error(releaseErr))
		}
	}()

	observedHead, _, err := s.readHead(ctx)
	if err != nil {
		return err
	}
	if observedHead.CommitID == 0 {
		return nil
	}
	index, err := s.ensureIndex(ctx, key, observedHead.CommitID, observedHead.ManifestPath, false)
	if err != nil {
		return err
	}
	if len(index.Entries) < 2 {
		return nil
	}

	minCommit := index.Entries[0].MinCommitID
	maxCommit := index.Entries[0].MaxCommitID
	var rows []repository.Row
	for _, entry := range index.Entries {
		if entry.MinCommitID < minCommit {
			minCommit = entry.MinCommitID
		}
		if entry.MaxCommitID > maxCommit {
			maxCommit = entry.MaxCommitID
		}
		data, _, found, err := s.client.Get(ctx, entry.Path)
		if err != nil {
			return err
		}
		if !found {
			return repository.NewErrorf(repository.KindStorageIO, "indexed data file %s is missing", entry.Path)
		}
		decoded, err := decodeRows(key.Kind, data)
		if err != nil {
			return err
		}
		rows = append(rows, decoded...)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CommitID != rows[j].CommitID {
			return rows[i].CommitID < rows[j].CommitID
		}
		return rows[i].Identity.String() < rows[j].Identity.String()
	})

	data, _, err := encodeRows(key.Kind, rows)
	if err != nil {
		return err
	}
	snapshotPath := snapshotKey(key.Kind, key.Name, minCommit, maxCommit)
	if _, err := s.client.Put(ctx, snapshotPath, data, PutCondition{}); err != nil {
		return err
	}

	if err := lease.Guard(); err != nil {
		return err
	}

	// Head stability check: a commit that landed while merging would make
	// the rewritten index lose its entries. Abort and let the caller
	// replan.
	currentHead, _, err := s.readHead(ctx)
	if err != nil {
		return err
	}
	if currentHead.CommitID != observedHead.CommitID || currentHead.ManifestPath != observedHead.ManifestPath {
		return repository.NewError(repository.KindHeadMismatch,
			"head advanced during compaction; replan required")
	}

	compacted := typeIndex{
		MaxIndexedCommit: index.MaxIndexedCommit,
		Entries: []indexEntry{{
			MinCommitID: minCommit,
			MaxCommitID: maxCommit,
			Path:        snapshotPath,
		}},
	}
	if err := s.putJSON(ctx, indexKey(key), compacted, PutCondition{}); err != nil {
		return err
	}
	s.logger.Info("compacted type files into snapshot",
		zap.String("type", key.String()),
		zap.Int64("min_commit", minCommit),
		zap.Int64("max_commit", maxCommit),
		zap.Int("rows", len(rows)))
	return nil
}
