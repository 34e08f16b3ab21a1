package ingest

import (
	"context"

	"go.uber.org/zap"

	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/events"
)

// Forget removes one memory: the record, its index entry, and any parked
// work. Sealed ciphertext is owner-unique, so its blob goes too; plaintext
// blobs are content addressed and may back other records, so they stay and
// age out with their retention epoch.
func (s *Service) Forget(ctx context.Context, user identity.Address, memoryID string) error {
	if user.IsEmpty() {
		return appErrors.NewInvalidInput("forget requires a user address")
	}
	if memoryID == "" {
		return appErrors.NewInvalidInput("forget requires a memory id")
	}

	unlock := s.lockUser(user.String())
	defer unlock()

	m, err := s.repo.GetMemory(ctx, user, memoryID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteMemory(ctx, user, memoryID); err != nil {
		return err
	}

	if _, err := s.vectors.Remove(ctx, user.String(), memoryID); err != nil {
		s.logger.Warn("vector removal failed during forget",
			zap.String("memory_id", memoryID), zap.Error(err))
	}
	if err := s.repo.DeleteReindex(ctx, user, []string{memoryID}); err != nil {
		s.logger.Warn("reindex entry removal failed during forget",
			zap.String("memory_id", memoryID), zap.Error(err))
	}
	if err := s.repo.DeletePendingGraph(ctx, user, []string{memoryID}); err != nil {
		s.logger.Warn("pending graph removal failed during forget",
			zap.String("memory_id", memoryID), zap.Error(err))
	}

	if s.contents != nil {
		s.contents.Invalidate(ctx, m.ContentRef)
	}
	if m.Sealed() {
		if _, err := s.blobs.Delete(ctx, m.ContentRef); err != nil {
			s.logger.Warn("ciphertext delete failed during forget",
				zap.String("content_ref", m.ContentRef), zap.Error(err))
		}
	}

	if err := s.pub.Publish(ctx, events.NewMemoryDeleted(memoryID, user.String(), s.clock())); err != nil {
		s.logger.Warn("memory deleted event publish failed",
			zap.String("memory_id", memoryID), zap.Error(err))
	}
	s.logger.Info("memory forgotten",
		zap.String("user", user.String()),
		zap.String("memory_id", memoryID))
	return nil
}
