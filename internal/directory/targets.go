package directory

import (
	"cmp"
	"context"
	"slices"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var targetKinds = []routing.Kind{routing.KindUser, routing.KindConference, routing.KindFeed}

// AddTarget lets userID address ref. Adding an existing edge is a no-op that still
// guarantees the edge has an order row. It reports whether a new edge was stored.
func (s *Service) AddTarget(ctx context.Context, userID uint, ref TargetRef) (bool, error) {
	db, err := s.database(ctx, opAddTarget)
	if err != nil {
		return false, err
	}
	fields := []zap.Field{zap.Uint("user_id", userID), zap.String("target", ref.Key().String())}
	if err := validateRef(ref); err != nil {
		return false, s.fail(opAddTarget, err, fields...)
	}
	if ref.Kind == routing.KindUser && ref.ID == userID {
		return false, s.fail(opAddTarget, ErrInvalidInput, fields...)
	}

	unlock := s.lockUser(userID)
	defer unlock()
	var created bool
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := requireEntity(tx, TargetRef{Kind: routing.KindUser, ID: userID}); err != nil {
			return err
		}
		if err := requireEntity(tx, ref); err != nil {
			return err
		}
		var err error
		created, err = insertEdge(tx, userID, ref, s.nowNanos())
		if err != nil {
			return err
		}
		return ensureOrder(tx, userID, ref)
	})
	if err != nil {
		return false, s.fail(opAddTarget, err, fields...)
	}
	if created {
		s.notify(userID)
	}
	return created, nil
}

// RemoveTarget deletes the edge and its order row together. The "All" edge is protected.
func (s *Service) RemoveTarget(ctx context.Context, userID uint, ref TargetRef) (bool, error) {
	db, err := s.database(ctx, opRemoveTarget)
	if err != nil {
		return false, err
	}
	fields := []zap.Field{zap.Uint("user_id", userID), zap.String("target", ref.Key().String())}
	if err := validateRef(ref); err != nil {
		return false, s.fail(opRemoveTarget, err, fields...)
	}
	if ref.Kind == routing.KindConference {
		protected, err := isAllConference(db, ref.ID)
		if err != nil {
			return false, s.fail(opRemoveTarget, err, fields...)
		}
		if protected {
			return false, s.fail(opRemoveTarget, ErrProtected, fields...)
		}
	}

	unlock := s.lockUser(userID)
	defer unlock()
	var removed bool
	err = db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ? AND target_id = ?", userID, ref.ID).Delete(edgeModel(ref.Kind))
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected > 0
		return removeOrder(tx, userID, ref)
	})
	if err != nil {
		return false, s.fail(opRemoveTarget, err, fields...)
	}
	if removed {
		s.notify(userID)
	}
	return removed, nil
}

// ListTargets resolves every edge of userID with its current display name, ordered by
// explicit position and then by edge creation for targets never positioned.
func (s *Service) ListTargets(ctx context.Context, userID uint) ([]Target, error) {
	db, err := s.database(ctx, opListTargets)
	if err != nil {
		return nil, err
	}
	if err := requireEntity(db, TargetRef{Kind: routing.KindUser, ID: userID}); err != nil {
		return nil, s.fail(opListTargets, err, zap.Uint("user_id", userID))
	}
	targets, err := loadTargets(db, userID)
	if err != nil {
		s.logError(opListTargets, reasonQueryFailed, err, zap.Uint("user_id", userID))
		return nil, newServiceError(opListTargets, reasonQueryFailed, err)
	}
	return targets, nil
}

type targetRow struct {
	ID          uint
	Name        string
	EdgeID      uint
	CreatedAtNs int64
	Position    *int
	OrderID     *uint
}

type sortableTarget struct {
	target    Target
	kindRank  int
	edgeID    uint
	createdAt int64
	orderID   uint
}

func loadTargets(db *gorm.DB, userID uint) ([]Target, error) {
	collected := make([]sortableTarget, 0)
	for rank, kind := range targetKinds {
		edges, _ := edgeTable(kind)
		entities, _ := entityTable(kind)
		var rows []targetRow
		err := db.Table(edges+" AS t").
			Select("t.target_id AS id, e.name AS name, t.id AS edge_id, t.created_at_ns AS created_at_ns, o.position AS position, o.id AS order_id").
			Joins("JOIN "+entities+" AS e ON e.id = t.target_id").
			Joins("LEFT JOIN user_target_order AS o ON o.user_id = t.user_id AND o.target_type = ? AND o.target_id = t.target_id", string(kind)).
			Where("t.user_id = ?", userID).
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			entry := sortableTarget{
				target: Target{
					Kind:     kind,
					ID:       row.ID,
					Name:     row.Name,
					Position: row.Position,
				},
				kindRank:  rank,
				edgeID:    row.EdgeID,
				createdAt: row.CreatedAtNs,
			}
			if row.OrderID != nil {
				entry.orderID = *row.OrderID
			}
			collected = append(collected, entry)
		}
	}

	slices.SortStableFunc(collected, compareTargets)

	targets := make([]Target, 0, len(collected))
	for _, entry := range collected {
		targets = append(targets, entry.target)
	}
	return targets, nil
}

// compareTargets puts positioned targets first. Ties and unpositioned targets fall back
// to edge creation order.
func compareTargets(a, b sortableTarget) int {
	aPositioned := a.target.Position != nil
	bPositioned := b.target.Position != nil
	if aPositioned != bPositioned {
		if aPositioned {
			return -1
		}
		return 1
	}
	if aPositioned {
		if c := cmp.Compare(*a.target.Position, *b.target.Position); c != 0 {
			return c
		}
		if c := cmp.Compare(a.orderID, b.orderID); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(a.createdAt, b.createdAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.kindRank, b.kindRank); c != 0 {
		return c
	}
	return cmp.Compare(a.edgeID, b.edgeID)
}

func (s *Service) holdersOf(db *gorm.DB, ref TargetRef) ([]uint, error) {
	table, err := edgeTable(ref.Kind)
	if err != nil {
		return nil, err
	}
	var holders []uint
	if err := db.Table(table).Where("target_id = ?", ref.ID).Pluck("user_id", &holders).Error; err != nil {
		return nil, err
	}
	return holders, nil
}

func (s *Service) notifyHolders(ctx context.Context, ref TargetRef) {
	if s.notifier == nil {
		return
	}
	holders, err := s.holdersOf(s.db.WithContext(ctx), ref)
	if err != nil {
		s.loggerOrDefault().Warn("failed to resolve target holders",
			zap.String("target", ref.Key().String()),
			zap.Error(err))
		return
	}
	s.notify(holders...)
}

func insertEdge(tx *gorm.DB, userID uint, ref TargetRef, createdAtNs int64) (bool, error) {
	var edge any
	switch ref.Kind {
	case routing.KindUser:
		edge = &UserTarget{UserID: userID, TargetID: ref.ID, CreatedAtNs: createdAtNs}
	case routing.KindConference:
		edge = &ConferenceTarget{UserID: userID, TargetID: ref.ID, CreatedAtNs: createdAtNs}
	case routing.KindFeed:
		edge = &FeedTarget{UserID: userID, TargetID: ref.ID, CreatedAtNs: createdAtNs}
	default:
		return false, ErrUnknownTarget
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(edge)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func edgeModel(kind routing.Kind) any {
	switch kind {
	case routing.KindUser:
		return &UserTarget{}
	case routing.KindConference:
		return &ConferenceTarget{}
	default:
		return &FeedTarget{}
	}
}

func edgeTable(kind routing.Kind) (string, error) {
	switch kind {
	case routing.KindUser:
		return UserTarget{}.TableName(), nil
	case routing.KindConference:
		return ConferenceTarget{}.TableName(), nil
	case routing.KindFeed:
		return FeedTarget{}.TableName(), nil
	default:
		return "", ErrUnknownTarget
	}
}

func validateRef(ref TargetRef) error {
	if !ref.Kind.Valid() {
		return ErrUnknownTarget
	}
	if ref.ID == 0 {
		return ErrInvalidInput
	}
	return nil
}

func requireEntity(db *gorm.DB, ref TargetRef) error {
	table, err := entityTable(ref.Kind)
	if err != nil {
		return err
	}
	var count int64
	if err := db.Table(table).Where("id = ?", ref.ID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func isAllConference(db *gorm.DB, conferenceID uint) (bool, error) {
	var count int64
	err := db.Model(&Conference{}).
		Where("id = ? AND name = ?", conferenceID, AllConferenceName).
		Count(&count).Error
	return count > 0, err
}
