package directory

import (
	"context"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Delivery names the users entitled to receive a stream and the key they see it under.
type Delivery struct {
	Key     routing.Key
	UserIDs []uint
}

// Audience decides who receives a stream that sender produces for target.
//
// A user may address any user or conference in its own target list. A direct stream reaches
// the addressed user under the sender's key; a conference stream reaches every other member
// under the conference key. A feed only broadcasts under its own key, to every user holding
// it as a target. The sender never receives its own stream.
func (s *Service) Audience(ctx context.Context, sender, target routing.Key) (Delivery, error) {
	db, err := s.database(ctx, opAudience)
	if err != nil {
		return Delivery{}, err
	}
	fields := []zap.Field{zap.String("sender", sender.String()), zap.String("target", target.String())}

	senderRef, err := RefFromKey(sender)
	if err != nil {
		return Delivery{}, s.fail(opAudience, err, fields...)
	}
	targetRef, err := RefFromKey(target)
	if err != nil {
		return Delivery{}, s.fail(opAudience, err, fields...)
	}
	if err := requireEntity(db, senderRef); err != nil {
		return Delivery{}, s.fail(opAudience, err, fields...)
	}

	var delivery Delivery
	switch senderRef.Kind {
	case routing.KindFeed:
		delivery, err = feedAudience(db, s, senderRef, targetRef)
	case routing.KindUser:
		delivery, err = userAudience(db, senderRef, targetRef)
	default:
		err = ErrNotAddressable
	}
	if err != nil {
		return Delivery{}, s.fail(opAudience, err, fields...)
	}
	return delivery, nil
}

func feedAudience(db *gorm.DB, s *Service, feed, target TargetRef) (Delivery, error) {
	if target != feed {
		return Delivery{}, ErrNotAddressable
	}
	holders, err := s.holdersOf(db, feed)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{Key: feed.Key(), UserIDs: holders}, nil
}

func userAudience(db *gorm.DB, sender, target TargetRef) (Delivery, error) {
	if target.Kind == routing.KindFeed {
		return Delivery{}, ErrNotAddressable
	}
	table, err := edgeTable(target.Kind)
	if err != nil {
		return Delivery{}, err
	}
	var edges int64
	if err := db.Table(table).Where("user_id = ? AND target_id = ?", sender.ID, target.ID).Count(&edges).Error; err != nil {
		return Delivery{}, err
	}
	if edges == 0 {
		return Delivery{}, ErrNotAddressable
	}

	if target.Kind == routing.KindUser {
		return Delivery{Key: sender.Key(), UserIDs: []uint{target.ID}}, nil
	}
	var members []uint
	err = db.Model(&Membership{}).
		Where("conference_id = ? AND user_id <> ?", target.ID, sender.ID).
		Order("user_id ASC").
		Pluck("user_id", &members).Error
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{Key: target.Key(), UserIDs: members}, nil
}
