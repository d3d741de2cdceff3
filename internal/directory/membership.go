package directory

import (
	"context"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AddMember puts userID into conferenceID. Both must still exist when the row is written. It reports whether a new membership was stored.
func (s *Service) AddMember(ctx context.Context, conferenceID, userID uint) (bool, error) {
	db, err := s.database(ctx, opAddMember)
	if err != nil {
		return false, err
	}
	fields := []zap.Field{zap.Uint("conference_id", conferenceID), zap.Uint("user_id", userID)}
	var created bool
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := requireEntity(tx, TargetRef{Kind: routing.KindConference, ID: conferenceID}); err != nil {
			return err
		}
		if err := requireEntity(tx, TargetRef{Kind: routing.KindUser, ID: userID}); err != nil {
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Membership{UserID: userID, ConferenceID: conferenceID})
		if result.Error != nil {
			return result.Error
		}
		created = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, s.fail(opAddMember, err, fields...)
	}
	return created, nil
}

// RemoveMember takes userID out of conferenceID. Nobody leaves "All".
func (s *Service) RemoveMember(ctx context.Context, conferenceID, userID uint) (bool, error) {
	db, err := s.database(ctx, opRemoveMember)
	if err != nil {
		return false, err
	}
	fields := []zap.Field{zap.Uint("conference_id", conferenceID), zap.Uint("user_id", userID)}
	protected, err := isAllConference(db, conferenceID)
	if err != nil {
		return false, s.fail(opRemoveMember, err, fields...)
	}
	if protected {
		return false, s.fail(opRemoveMember, ErrProtected, fields...)
	}
	result := db.Where("conference_id = ? AND user_id = ?", conferenceID, userID).Delete(&Membership{})
	if result.Error != nil {
		return false, s.fail(opRemoveMember, result.Error, fields...)
	}
	return result.RowsAffected > 0, nil
}

// ListMembers returns the users in conferenceID ordered by name.
func (s *Service) ListMembers(ctx context.Context, conferenceID uint) ([]User, error) {
	db, err := s.database(ctx, opListMembers)
	if err != nil {
		return nil, err
	}
	if err := requireEntity(db, TargetRef{Kind: routing.KindConference, ID: conferenceID}); err != nil {
		return nil, s.fail(opListMembers, err, zap.Uint("conference_id", conferenceID))
	}
	var users []User
	err = db.Joins("JOIN user_conference AS m ON m.user_id = users.id").
		Where("m.conference_id = ?", conferenceID).
		Order("users.name ASC").
		Find(&users).Error
	if err != nil {
		s.logError(opListMembers, reasonQueryFailed, err, zap.Uint("conference_id", conferenceID))
		return nil, newServiceError(opListMembers, reasonQueryFailed, err)
	}
	return users, nil
}
