package directory

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreateUser stores a new user, joins it to "All" and adds "All" as its first target.
// A failure while joining "All" is logged and left for EnsureInvariants to heal.
func (s *Service) CreateUser(ctx context.Context, name, password string) (User, error) {
	db, err := s.database(ctx, opCreateUser)
	if err != nil {
		return User{}, err
	}
	normalized, err := normalizeName(name)
	if err != nil {
		return User{}, s.fail(opCreateUser, err)
	}
	hash, err := s.hashPassword(password)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return User{}, s.fail(opCreateUser, err)
		}
		s.logError(opCreateUser, reasonHashFailed, err)
		return User{}, newServiceError(opCreateUser, reasonHashFailed, err)
	}

	user := User{Name: normalized, PasswordHash: hash}
	if err := db.Create(&user).Error; err != nil {
		return User{}, s.fail(opCreateUser, err, zap.String("name", normalized))
	}

	if err := s.joinAllConference(ctx, user.ID); err != nil {
		s.loggerOrDefault().Warn("user created without All conference",
			zap.Uint("user_id", user.ID),
			zap.Error(err))
	}
	return user, nil
}

// CreateConference stores a new, empty conference.
func (s *Service) CreateConference(ctx context.Context, name string) (Conference, error) {
	db, err := s.database(ctx, opCreateConference)
	if err != nil {
		return Conference{}, err
	}
	normalized, err := normalizeName(name)
	if err != nil {
		return Conference{}, s.fail(opCreateConference, err)
	}
	conference := Conference{Name: normalized}
	if err := db.Create(&conference).Error; err != nil {
		return Conference{}, s.fail(opCreateConference, err, zap.String("name", normalized))
	}
	return conference, nil
}

// CreateFeed stores a new broadcast-only identity.
func (s *Service) CreateFeed(ctx context.Context, name, password string) (Feed, error) {
	db, err := s.database(ctx, opCreateFeed)
	if err != nil {
		return Feed{}, err
	}
	normalized, err := normalizeName(name)
	if err != nil {
		return Feed{}, s.fail(opCreateFeed, err)
	}
	hash, err := s.hashPassword(password)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return Feed{}, s.fail(opCreateFeed, err)
		}
		s.logError(opCreateFeed, reasonHashFailed, err)
		return Feed{}, newServiceError(opCreateFeed, reasonHashFailed, err)
	}
	feed := Feed{Name: normalized, PasswordHash: hash}
	if err := db.Create(&feed).Error; err != nil {
		return Feed{}, s.fail(opCreateFeed, err, zap.String("name", normalized))
	}
	return feed, nil
}

// VerifyUser checks credentials. Unknown names and wrong passwords both report false.
func (s *Service) VerifyUser(ctx context.Context, name, password string) (User, bool, error) {
	db, err := s.database(ctx, opVerifyUser)
	if err != nil {
		return User{}, false, err
	}
	var user User
	err = db.Where("name = ?", name).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, s.fail(opVerifyUser, err)
	}
	ok, err := passwordMatches(user.PasswordHash, password)
	if err != nil {
		return User{}, false, s.fail(opVerifyUser, err, zap.Uint("user_id", user.ID))
	}
	if !ok {
		return User{}, false, nil
	}
	return user, true, nil
}

// VerifyFeed checks feed credentials.
func (s *Service) VerifyFeed(ctx context.Context, name, password string) (Feed, bool, error) {
	db, err := s.database(ctx, opVerifyFeed)
	if err != nil {
		return Feed{}, false, err
	}
	var feed Feed
	err = db.Where("name = ?", name).Take(&feed).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Feed{}, false, nil
	}
	if err != nil {
		return Feed{}, false, s.fail(opVerifyFeed, err)
	}
	ok, err := passwordMatches(feed.PasswordHash, password)
	if err != nil {
		return Feed{}, false, s.fail(opVerifyFeed, err, zap.Uint("feed_id", feed.ID))
	}
	if !ok {
		return Feed{}, false, nil
	}
	return feed, true, nil
}

// RenameUser changes a user's name and reports whether the stored row changed.
func (s *Service) RenameUser(ctx context.Context, userID uint, name string) (bool, error) {
	return s.rename(ctx, opRenameUser, TargetRef{Kind: routing.KindUser, ID: userID}, name)
}

// RenameConference changes a conference's name. "All" cannot be renamed.
func (s *Service) RenameConference(ctx context.Context, conferenceID uint, name string) (bool, error) {
	return s.rename(ctx, opRenameConference, TargetRef{Kind: routing.KindConference, ID: conferenceID}, name)
}

// RenameFeed changes a feed's name.
func (s *Service) RenameFeed(ctx context.Context, feedID uint, name string) (bool, error) {
	return s.rename(ctx, opRenameFeed, TargetRef{Kind: routing.KindFeed, ID: feedID}, name)
}

func (s *Service) rename(ctx context.Context, operation string, ref TargetRef, name string) (bool, error) {
	db, err := s.database(ctx, operation)
	if err != nil {
		return false, err
	}
	normalized, err := normalizeName(name)
	if err != nil {
		return false, s.fail(operation, err)
	}
	table, err := entityTable(ref.Kind)
	if err != nil {
		return false, s.fail(operation, err)
	}

	var names []string
	if err := db.Table(table).Where("id = ?", ref.ID).Pluck("name", &names).Error; err != nil {
		return false, s.fail(operation, err, zap.Uint("id", ref.ID))
	}
	if len(names) == 0 {
		return false, s.fail(operation, ErrNotFound, zap.Uint("id", ref.ID))
	}
	if ref.Kind == routing.KindConference && names[0] == AllConferenceName {
		return false, s.fail(operation, ErrProtected, zap.Uint("id", ref.ID))
	}

	result := db.Table(table).Where("id = ? AND name <> ?", ref.ID, normalized).Update("name", normalized)
	if result.Error != nil {
		return false, s.fail(operation, result.Error, zap.Uint("id", ref.ID))
	}
	changed := result.RowsAffected > 0
	if changed {
		s.notifyHolders(ctx, ref)
	}
	return changed, nil
}

// SetUserPassword replaces a user's password hash. It reports false when the user is unknown.
func (s *Service) SetUserPassword(ctx context.Context, userID uint, password string) (bool, error) {
	return s.setPassword(ctx, opSetUserPassword, &User{}, userID, password)
}

// SetFeedPassword replaces a feed's password hash.
func (s *Service) SetFeedPassword(ctx context.Context, feedID uint, password string) (bool, error) {
	return s.setPassword(ctx, opSetFeedPassword, &Feed{}, feedID, password)
}

func (s *Service) setPassword(ctx context.Context, operation string, model any, id uint, password string) (bool, error) {
	db, err := s.database(ctx, operation)
	if err != nil {
		return false, err
	}
	hash, err := s.hashPassword(password)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return false, s.fail(operation, err)
		}
		s.logError(operation, reasonHashFailed, err)
		return false, newServiceError(operation, reasonHashFailed, err)
	}
	result := db.Model(model).Where("id = ?", id).Update("password_hash", hash)
	if result.Error != nil {
		return false, s.fail(operation, result.Error, zap.Uint("id", id))
	}
	return result.RowsAffected > 0, nil
}

// DeleteUser removes a user and every membership, edge and order row referencing it
// in one transaction.
func (s *Service) DeleteUser(ctx context.Context, userID uint) error {
	db, err := s.database(ctx, opDeleteUser)
	if err != nil {
		return err
	}
	ref := TargetRef{Kind: routing.KindUser, ID: userID}
	holders, err := s.holdersOf(db, ref)
	if err != nil {
		return s.fail(opDeleteUser, err, zap.Uint("user_id", userID))
	}

	unlock := s.lockUser(userID)
	defer unlock()
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&Membership{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ? OR target_id = ?", userID, userID).Delete(&UserTarget{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&ConferenceTarget{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&FeedTarget{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ? OR (target_type = ? AND target_id = ?)", userID, string(routing.KindUser), userID).
			Delete(&TargetOrder{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", userID).Delete(&User{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return s.fail(opDeleteUser, err, zap.Uint("user_id", userID))
	}
	s.notify(holders...)
	return nil
}

// DeleteConference removes a conference with its memberships, edges and order rows.
// "All" cannot be deleted.
func (s *Service) DeleteConference(ctx context.Context, conferenceID uint) error {
	db, err := s.database(ctx, opDeleteConference)
	if err != nil {
		return err
	}
	var conference Conference
	if err := db.Where("id = ?", conferenceID).Take(&conference).Error; err != nil {
		return s.fail(opDeleteConference, err, zap.Uint("conference_id", conferenceID))
	}
	if conference.Name == AllConferenceName {
		return s.fail(opDeleteConference, ErrProtected, zap.Uint("conference_id", conferenceID))
	}
	ref := TargetRef{Kind: routing.KindConference, ID: conferenceID}
	holders, err := s.holdersOf(db, ref)
	if err != nil {
		return s.fail(opDeleteConference, err, zap.Uint("conference_id", conferenceID))
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conference_id = ?", conferenceID).Delete(&Membership{}).Error; err != nil {
			return err
		}
		if err := tx.Where("target_id = ?", conferenceID).Delete(&ConferenceTarget{}).Error; err != nil {
			return err
		}
		if err := tx.Where("target_type = ? AND target_id = ?", string(routing.KindConference), conferenceID).
			Delete(&TargetOrder{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", conferenceID).Delete(&Conference{}).Error
	})
	if err != nil {
		return s.fail(opDeleteConference, err, zap.Uint("conference_id", conferenceID))
	}
	s.notify(holders...)
	return nil
}

// DeleteFeed removes a feed with every edge and order row referencing it.
func (s *Service) DeleteFeed(ctx context.Context, feedID uint) error {
	db, err := s.database(ctx, opDeleteFeed)
	if err != nil {
		return err
	}
	ref := TargetRef{Kind: routing.KindFeed, ID: feedID}
	holders, err := s.holdersOf(db, ref)
	if err != nil {
		return s.fail(opDeleteFeed, err, zap.Uint("feed_id", feedID))
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("target_id = ?", feedID).Delete(&FeedTarget{}).Error; err != nil {
			return err
		}
		if err := tx.Where("target_type = ? AND target_id = ?", string(routing.KindFeed), feedID).
			Delete(&TargetOrder{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", feedID).Delete(&Feed{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return s.fail(opDeleteFeed, err, zap.Uint("feed_id", feedID))
	}
	s.notify(holders...)
	return nil
}

// GetUser loads one user.
func (s *Service) GetUser(ctx context.Context, userID uint) (User, error) {
	var user User
	err := s.get(ctx, &user, userID)
	return user, err
}

// GetConference loads one conference.
func (s *Service) GetConference(ctx context.Context, conferenceID uint) (Conference, error) {
	var conference Conference
	err := s.get(ctx, &conference, conferenceID)
	return conference, err
}

// GetFeed loads one feed.
func (s *Service) GetFeed(ctx context.Context, feedID uint) (Feed, error) {
	var feed Feed
	err := s.get(ctx, &feed, feedID)
	return feed, err
}

func (s *Service) get(ctx context.Context, dest any, id uint) error {
	db, err := s.database(ctx, opGetEntity)
	if err != nil {
		return err
	}
	if err := db.Where("id = ?", id).Take(dest).Error; err != nil {
		return s.fail(opGetEntity, err, zap.Uint("id", id))
	}
	return nil
}

// ListUsers returns every user ordered by name.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	err := s.list(ctx, &users)
	return users, err
}

// ListConferences returns every conference ordered by name.
func (s *Service) ListConferences(ctx context.Context) ([]Conference, error) {
	var conferences []Conference
	err := s.list(ctx, &conferences)
	return conferences, err
}

// ListFeeds returns every feed ordered by name.
func (s *Service) ListFeeds(ctx context.Context) ([]Feed, error) {
	var feeds []Feed
	err := s.list(ctx, &feeds)
	return feeds, err
}

func (s *Service) list(ctx context.Context, dest any) error {
	db, err := s.database(ctx, opListEntities)
	if err != nil {
		return err
	}
	if err := db.Order("name ASC").Find(dest).Error; err != nil {
		s.logError(opListEntities, reasonQueryFailed, err)
		return newServiceError(opListEntities, reasonQueryFailed, err)
	}
	return nil
}

func entityTable(kind routing.Kind) (string, error) {
	switch kind {
	case routing.KindUser:
		return User{}.TableName(), nil
	case routing.KindConference:
		return Conference{}.TableName(), nil
	case routing.KindFeed:
		return Feed{}.TableName(), nil
	default:
		return "", ErrUnknownTarget
	}
}
