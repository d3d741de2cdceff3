package directory

import (
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
)

// AllConferenceName names the conference every user belongs to and can address.
const AllConferenceName = "All"

const maxNameLength = 190

// User is a listening and talking identity.
type User struct {
	ID           uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Name         string `gorm:"column:name;size:190;not null;uniqueIndex"`
	PasswordHash string `gorm:"column:password_hash;size:100;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Conference is a named group of users.
type Conference struct {
	ID   uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;size:190;not null;uniqueIndex"`
}

// TableName provides the explicit table binding for GORM.
func (Conference) TableName() string {
	return "conferences"
}

// Feed is a broadcast-only identity. It produces audio but never listens.
type Feed struct {
	ID           uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Name         string `gorm:"column:name;size:190;not null;uniqueIndex"`
	PasswordHash string `gorm:"column:password_hash;size:100;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Feed) TableName() string {
	return "feeds"
}

// Membership places a user in a conference.
type Membership struct {
	UserID       uint `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	ConferenceID uint `gorm:"column:conference_id;primaryKey;autoIncrement:false;index"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "user_conference"
}

// UserTarget lets a user address another user.
type UserTarget struct {
	ID          uint  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      uint  `gorm:"column:user_id;not null;uniqueIndex:idx_user_user_target,priority:1"`
	TargetID    uint  `gorm:"column:target_id;not null;uniqueIndex:idx_user_user_target,priority:2;index"`
	CreatedAtNs int64 `gorm:"column:created_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserTarget) TableName() string {
	return "user_user_targets"
}

// ConferenceTarget lets a user address a conference.
type ConferenceTarget struct {
	ID          uint  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      uint  `gorm:"column:user_id;not null;uniqueIndex:idx_user_conf_target,priority:1"`
	TargetID    uint  `gorm:"column:target_id;not null;uniqueIndex:idx_user_conf_target,priority:2;index"`
	CreatedAtNs int64 `gorm:"column:created_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ConferenceTarget) TableName() string {
	return "user_conf_targets"
}

// FeedTarget lets a user listen to a feed.
type FeedTarget struct {
	ID          uint  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      uint  `gorm:"column:user_id;not null;uniqueIndex:idx_user_feed_target,priority:1"`
	TargetID    uint  `gorm:"column:target_id;not null;uniqueIndex:idx_user_feed_target,priority:2;index"`
	CreatedAtNs int64 `gorm:"column:created_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FeedTarget) TableName() string {
	return "user_feed_targets"
}

// TargetOrder stores the explicit position of one target in a user's list.
type TargetOrder struct {
	ID         uint   `gorm:"column:id;primaryKey;autoIncrement"`
	UserID     uint   `gorm:"column:user_id;not null;uniqueIndex:idx_user_target_order,priority:1"`
	TargetType string `gorm:"column:target_type;size:16;not null;uniqueIndex:idx_user_target_order,priority:2"`
	TargetID   uint   `gorm:"column:target_id;not null;uniqueIndex:idx_user_target_order,priority:3"`
	Position   int    `gorm:"column:position;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TargetOrder) TableName() string {
	return "user_target_order"
}

// Models lists every table owned by the directory, in dependency order.
func Models() []any {
	return []any{
		&User{}, &Conference{}, &Feed{}, &Membership{},
		&UserTarget{}, &ConferenceTarget{}, &FeedTarget{}, &TargetOrder{},
	}
}

// TargetRef names one addressing edge's object.
type TargetRef struct {
	Kind routing.Kind
	ID   uint
}

// Key converts the reference into its routing key.
func (r TargetRef) Key() routing.Key {
	return routing.Key{Kind: r.Kind, ID: strconv.FormatUint(uint64(r.ID), 10)}
}

// RefFromKey converts a routing key with a numeric id into a reference.
func RefFromKey(key routing.Key) (TargetRef, error) {
	if !key.Kind.Valid() {
		return TargetRef{}, ErrUnknownTarget
	}
	id, err := strconv.ParseUint(key.ID, 10, 64)
	if err != nil || id == 0 {
		return TargetRef{}, ErrInvalidInput
	}
	return TargetRef{Kind: key.Kind, ID: uint(id)}, nil
}

// Target is one resolved entry of a user's ordered target list.
type Target struct {
	Kind     routing.Kind
	ID       uint
	Name     string
	Position *int
}

// Ref returns the edge reference for the target.
func (t Target) Ref() TargetRef {
	return TargetRef{Kind: t.Kind, ID: t.ID}
}

// Key returns the routing key addressing the target.
func (t Target) Key() routing.Key {
	return t.Ref().Key()
}

func normalizeName(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || len(trimmed) > maxNameLength {
		return "", ErrInvalidInput
	}
	return trimmed, nil
}
