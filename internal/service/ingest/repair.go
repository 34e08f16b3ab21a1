package ingest

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"memvault-backend/internal/domain/identity"
	"memvault-backend/internal/domain/memory"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/events"
	"memvault-backend/internal/kgraph"
	"memvault-backend/internal/vector"
)

// RepairReport summarises one repair pass.
type RepairReport struct {
	Reindexed     int `json:"reindexed"`
	GraphReplayed int `json:"graph_replayed"`
	Pruned        int `json:"pruned"`
}

// Repair replays parked work for one user: reindex entries whose memory
// lost its vector ref, and pending graph updates whose extraction or
// enqueue failed. It finishes with an index flush and a graph checkpoint so
// the replayed work is durable and the commit hooks clear the lists.
func (s *Service) Repair(ctx context.Context, user identity.Address) (RepairReport, error) {
	if user.IsEmpty() {
		return RepairReport{}, appErrors.NewInvalidInput("repair requires a user address")
	}
	var report RepairReport

	if err := s.repairIndex(ctx, user, &report); err != nil {
		return report, err
	}
	if err := s.repairGraph(ctx, user, &report); err != nil {
		return report, err
	}

	if err := s.vectors.Flush(ctx, user.String()); err != nil {
		return report, err
	}
	if err := s.graphs.Checkpoint(ctx, user.String()); err != nil {
		return report, err
	}
	s.logger.Info("repair pass finished",
		zap.String("user", user.String()),
		zap.Int("reindexed", report.Reindexed),
		zap.Int("graph_replayed", report.GraphReplayed),
		zap.Int("pruned", report.Pruned))
	return report, nil
}

func (s *Service) repairIndex(ctx context.Context, user identity.Address, report *RepairReport) error {
	entries, err := s.repo.ListReindex(ctx, user)
	if err != nil {
		return err
	}
	for _, e := range entries {
		m, err := s.repo.GetMemory(ctx, user, e.MemoryID)
		if appErrors.IsNotFound(err) {
			// The acceptance died before its record landed. Drop the
			// leftovers.
			if _, rerr := s.vectors.Remove(ctx, user.String(), e.MemoryID); rerr != nil {
				s.logger.Warn("stale vector removal failed",
					zap.String("memory_id", e.MemoryID), zap.Error(rerr))
			}
			if derr := s.repo.DeleteReindex(ctx, user, []string{e.MemoryID}); derr != nil {
				s.logger.Warn("reindex prune failed",
					zap.String("memory_id", e.MemoryID), zap.Error(derr))
				continue
			}
			report.Pruned++
			continue
		}
		if err != nil {
			return err
		}
		if m.HasVectorRef() {
			// Enqueued fine; the entry is only waiting for a snapshot.
			continue
		}

		if err := s.vectors.Add(ctx, user.String(), e.MemoryID, e.Embedding, 1); err != nil {
			s.logger.Warn("reindex replay enqueue failed",
				zap.String("memory_id", e.MemoryID), zap.Error(err))
			continue
		}
		ref, perr := strconv.ParseInt(e.VectorID, 10, 64)
		if perr != nil {
			if ref, perr = s.repo.NextVectorRef(ctx, user); perr != nil {
				return perr
			}
		}
		m.SetVectorRef(ref)
		if err := s.repo.SaveMemory(ctx, m); err != nil {
			return err
		}
		report.Reindexed++
	}
	return nil
}

func (s *Service) repairGraph(ctx context.Context, user identity.Address, report *RepairReport) error {
	pending, err := s.repo.ListPendingGraph(ctx, user)
	if err != nil {
		return err
	}
	for _, memoryID := range pending {
		m, err := s.repo.GetMemory(ctx, user, memoryID)
		if appErrors.IsNotFound(err) {
			if derr := s.repo.DeletePendingGraph(ctx, user, []string{memoryID}); derr != nil {
				s.logger.Warn("pending graph prune failed",
					zap.String("memory_id", memoryID), zap.Error(derr))
				continue
			}
			report.Pruned++
			continue
		}
		if err != nil {
			return err
		}

		plaintext, err := s.openContent(ctx, m)
		if err != nil {
			// Time locks and transport faults resolve themselves; leave
			// the entry for the next pass.
			s.logger.Debug("pending graph content not readable yet",
				zap.String("memory_id", memoryID), zap.Error(err))
			continue
		}
		ex, err := s.extractor.Extract(ctx, string(plaintext))
		if err != nil {
			s.logger.Warn("pending graph re-extraction failed",
				zap.String("memory_id", memoryID), zap.Error(err))
			continue
		}
		if ex.Empty() {
			// Nothing extractable after all; close the entry out.
			if derr := s.repo.DeletePendingGraph(ctx, user, []string{memoryID}); derr != nil {
				s.logger.Warn("pending graph prune failed",
					zap.String("memory_id", memoryID), zap.Error(derr))
			}
			continue
		}

		for _, node := range ex.Nodes {
			m.AddGraphRefs(kgraph.NodeID(node.Kind, node.Name))
		}
		if err := s.graphs.Add(ctx, user.String(), ex, memoryID); err != nil {
			s.logger.Warn("pending graph enqueue failed",
				zap.String("memory_id", memoryID), zap.Error(err))
			continue
		}
		if err := s.repo.SaveMemory(ctx, m); err != nil {
			return err
		}
		report.GraphReplayed++
	}
	return nil
}

// openContent fetches and, when sealed, opens a memory's content on behalf
// of its owner.
func (s *Service) openContent(ctx context.Context, m *memory.Memory) ([]byte, error) {
	var data []byte
	if s.contents != nil {
		var err error
		if data, err = s.contents.Get(ctx, m.ContentRef); err != nil {
			return nil, err
		}
	} else {
		obj, err := s.blobs.Get(ctx, m.ContentRef)
		if err != nil {
			return nil, err
		}
		data = obj.Bytes
	}
	if !m.Sealed() {
		return data, nil
	}
	return s.sealer.Decrypt(ctx, data, m.Owner)
}

// wireDurabilityHooks connects the managers to the parked-work lists: index
// loads replay reindex entries, snapshots clear the entries they cover, and
// checkpoints clear the pending graph ids they made durable.
func (s *Service) wireDurabilityHooks() {
	s.vectors.SetRecovery(func(ctx context.Context, user string) ([]vector.Entry, error) {
		addr, err := identity.ParseAddress(user)
		if err != nil {
			return nil, err
		}
		entries, err := s.repo.ListReindex(ctx, addr)
		if err != nil {
			return nil, err
		}
		out := make([]vector.Entry, 0, len(entries))
		for _, e := range entries {
			out = append(out, vector.Entry{ID: e.MemoryID, Vector: e.Embedding})
		}
		return out, nil
	})

	s.vectors.SetSnapshotCommitted(func(ctx context.Context, user string, vectorIDs []string) {
		addr, err := identity.ParseAddress(user)
		if err != nil {
			return
		}
		s.clearCoveredReindex(ctx, addr, vectorIDs)
		if err := s.pub.Publish(ctx, events.NewIndexSnapshotted(user, len(vectorIDs), s.clock())); err != nil {
			s.logger.Warn("index snapshotted event publish failed",
				zap.String("user", user), zap.Error(err))
		}
	})

	s.graphs.SetCommitted(func(ctx context.Context, user string, memoryIDs []string) {
		addr, err := identity.ParseAddress(user)
		if err != nil || len(memoryIDs) == 0 {
			return
		}
		if err := s.repo.DeletePendingGraph(ctx, addr, memoryIDs); err != nil {
			s.logger.Warn("pending graph clear after checkpoint failed",
				zap.String("user", user), zap.Error(err))
		}
		for _, st := range s.graphs.Stats() {
			if st.User != user {
				continue
			}
			if err := s.pub.Publish(ctx, events.NewGraphCheckpointed(user, st.Version, st.Nodes, st.Edges, s.clock())); err != nil {
				s.logger.Warn("graph checkpointed event publish failed",
					zap.String("user", user), zap.Error(err))
			}
			break
		}
	})
}

// clearCoveredReindex deletes only the listed entries a snapshot covers;
// entries whose replay never reached the index stay parked.
func (s *Service) clearCoveredReindex(ctx context.Context, user identity.Address, vectorIDs []string) {
	if len(vectorIDs) == 0 {
		return
	}
	listed, err := s.repo.ListReindex(ctx, user)
	if err != nil || len(listed) == 0 {
		return
	}
	covered := make(map[string]struct{}, len(vectorIDs))
	for _, id := range vectorIDs {
		covered[id] = struct{}{}
	}
	var clear []string
	for _, e := range listed {
		if _, ok := covered[e.MemoryID]; ok {
			clear = append(clear, e.MemoryID)
		}
	}
	if len(clear) == 0 {
		return
	}
	if err := s.repo.DeleteReindex(ctx, user, clear); err != nil {
		s.logger.Warn("reindex clear after snapshot failed",
			zap.String("user", user.String()), zap.Error(err))
	}
}
