package directory

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnsureInvariants re-establishes the "All" conference invariant and backfills order rows
// for edges that have none. It runs on every startup.
func (s *Service) EnsureInvariants(ctx context.Context) error {
	db, err := s.database(ctx, opEnsureInvariants)
	if err != nil {
		return err
	}
	all, err := ensureAllConference(db)
	if err != nil {
		s.logError(opEnsureInvariants, reasonAllMissing, err)
		return newServiceError(opEnsureInvariants, reasonAllMissing, err)
	}

	var userIDs []uint
	if err := db.Model(&User{}).Order("id ASC").Pluck("id", &userIDs).Error; err != nil {
		s.logError(opEnsureInvariants, reasonQueryFailed, err)
		return newServiceError(opEnsureInvariants, reasonQueryFailed, err)
	}

	repaired := 0
	for _, userID := range userIDs {
		changed, err := s.repairUser(db, all.ID, userID)
		if err != nil {
			return s.fail(opEnsureInvariants, err, zap.Uint("user_id", userID))
		}
		if changed {
			repaired++
		}
	}
	s.loggerOrDefault().Info("directory invariants ensured",
		zap.Uint("all_conference_id", all.ID),
		zap.Int("users", len(userIDs)),
		zap.Int("repaired_users", repaired))
	return nil
}

func (s *Service) joinAllConference(ctx context.Context, userID uint) error {
	db := s.db.WithContext(ctx)
	all, err := ensureAllConference(db)
	if err != nil {
		return err
	}
	changed, err := s.repairUser(db, all.ID, userID)
	if err != nil {
		return err
	}
	if changed {
		s.notify(userID)
	}
	return nil
}

// repairUser joins the user to "All", adds the "All" edge and gives every unpositioned
// edge an order row, preserving creation order.
func (s *Service) repairUser(db *gorm.DB, allID, userID uint) (bool, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	changed := false
	err := db.Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Membership{UserID: userID, ConferenceID: allID})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			changed = true
		}
		created, err := insertEdge(tx, userID, TargetRef{Kind: routing.KindConference, ID: allID}, s.nowNanos())
		if err != nil {
			return err
		}
		if created {
			changed = true
		}

		targets, err := loadTargets(tx, userID)
		if err != nil {
			return err
		}
		for _, target := range targets {
			if target.Position != nil {
				continue
			}
			if err := appendOrder(tx, userID, target.Ref()); err != nil {
				return err
			}
			changed = true
		}
		return nil
	})
	return changed, err
}

func ensureAllConference(db *gorm.DB) (Conference, error) {
	var conference Conference
	err := db.Where("name = ?", AllConferenceName).Take(&conference).Error
	if err == nil {
		return conference, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Conference{}, err
	}
	conference = Conference{Name: AllConferenceName}
	createErr := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&conference).Error
	if createErr != nil {
		return Conference{}, createErr
	}
	if conference.ID == 0 {
		if err := db.Where("name = ?", AllConferenceName).Take(&conference).Error; err != nil {
			return Conference{}, err
		}
	}
	return conference, nil
}
