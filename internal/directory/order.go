package directory

import (
	"context"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const queryOrderTriple = "user_id = ? AND target_type = ? AND target_id = ?"

// ReplaceOrder atomically rewrites the user's order. The listed targets take positions
// 0..n-1 and every edge left out follows them in its previous relative order.
func (s *Service) ReplaceOrder(ctx context.Context, userID uint, refs []TargetRef) error {
	db, err := s.database(ctx, opReplaceOrder)
	if err != nil {
		return err
	}
	fields := []zap.Field{zap.Uint("user_id", userID), zap.Int("targets", len(refs))}
	for _, ref := range refs {
		if err := validateRef(ref); err != nil {
			return s.fail(opReplaceOrder, err, fields...)
		}
	}
	if err := requireEntity(db, TargetRef{Kind: routing.KindUser, ID: userID}); err != nil {
		return s.fail(opReplaceOrder, err, fields...)
	}

	unlock := s.lockUser(userID)
	defer unlock()
	err = db.Transaction(func(tx *gorm.DB) error {
		current, err := loadTargets(tx, userID)
		if err != nil {
			return err
		}
		existing := make(map[TargetRef]struct{}, len(current))
		for _, target := range current {
			existing[target.Ref()] = struct{}{}
		}

		ordered := make([]TargetRef, 0, len(current))
		seen := make(map[TargetRef]struct{}, len(current))
		for _, ref := range refs {
			if _, ok := existing[ref]; !ok {
				return ErrNotFound
			}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			ordered = append(ordered, ref)
		}
		for _, target := range current {
			if _, ok := seen[target.Ref()]; ok {
				continue
			}
			ordered = append(ordered, target.Ref())
		}

		if err := tx.Where("user_id = ?", userID).Delete(&TargetOrder{}).Error; err != nil {
			return err
		}
		if len(ordered) == 0 {
			return nil
		}
		rows := make([]TargetOrder, 0, len(ordered))
		for position, ref := range ordered {
			rows = append(rows, TargetOrder{
				UserID:     userID,
				TargetType: string(ref.Kind),
				TargetID:   ref.ID,
				Position:   position,
			})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return s.fail(opReplaceOrder, err, fields...)
	}
	s.notify(userID)
	return nil
}

// ensureOrder appends an order row for the edge when none exists. Callers hold the user lock.
func ensureOrder(tx *gorm.DB, userID uint, ref TargetRef) error {
	var count int64
	if err := tx.Model(&TargetOrder{}).
		Where(queryOrderTriple, userID, string(ref.Kind), ref.ID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return appendOrder(tx, userID, ref)
}

// appendOrder assigns max(position)+1, treating an empty list as -1.
func appendOrder(tx *gorm.DB, userID uint, ref TargetRef) error {
	var maxPosition int
	row := tx.Model(&TargetOrder{}).
		Select("COALESCE(MAX(position), -1)").
		Where("user_id = ?", userID).
		Row()
	if err := row.Scan(&maxPosition); err != nil {
		return err
	}
	return tx.Create(&TargetOrder{
		UserID:     userID,
		TargetType: string(ref.Kind),
		TargetID:   ref.ID,
		Position:   maxPosition + 1,
	}).Error
}

func removeOrder(tx *gorm.DB, userID uint, ref TargetRef) error {
	return tx.Where(queryOrderTriple, userID, string(ref.Kind), ref.ID).Delete(&TargetOrder{}).Error
}
