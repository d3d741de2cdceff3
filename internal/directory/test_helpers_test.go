package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu      sync.Mutex
	batches [][]uint
}

func (n *recordingNotifier) TargetsChanged(userIDs []uint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, append([]uint(nil), userIDs...))
}

func (n *recordingNotifier) notified(userID uint) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, batch := range n.batches {
		for _, id := range batch {
			if id == userID {
				return true
			}
		}
	}
	return false
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *recordingNotifier) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Logger:     zap.NewNop(),
		Notifier:   notifier,
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db, notifier
}

func mustCreateUser(t *testing.T, service *Service, name string) User {
	t.Helper()
	user, err := service.CreateUser(context.Background(), name, "secret-"+name)
	if err != nil {
		t.Fatalf("create user %s failed: %v", name, err)
	}
	return user
}

// mustInsertBareUser stores a user without the "All" side effects so ordering starts empty.
func mustInsertBareUser(t *testing.T, db *gorm.DB, name string) User {
	t.Helper()
	user := User{Name: name, PasswordHash: "unused"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("insert user %s failed: %v", name, err)
	}
	return user
}

func mustCreateConference(t *testing.T, service *Service, name string) Conference {
	t.Helper()
	conference, err := service.CreateConference(context.Background(), name)
	if err != nil {
		t.Fatalf("create conference %s failed: %v", name, err)
	}
	return conference
}

func mustCreateFeed(t *testing.T, service *Service, name string) Feed {
	t.Helper()
	feed, err := service.CreateFeed(context.Background(), name, "feed-secret")
	if err != nil {
		t.Fatalf("create feed %s failed: %v", name, err)
	}
	return feed
}

func mustAddTarget(t *testing.T, service *Service, userID uint, ref TargetRef) {
	t.Helper()
	if _, err := service.AddTarget(context.Background(), userID, ref); err != nil {
		t.Fatalf("add target %s failed: %v", ref.Key(), err)
	}
}

func mustListTargets(t *testing.T, service *Service, userID uint) []Target {
	t.Helper()
	targets, err := service.ListTargets(context.Background(), userID)
	if err != nil {
		t.Fatalf("list targets failed: %v", err)
	}
	return targets
}

func targetKeys(targets []Target) []string {
	keys := make([]string, 0, len(targets))
	for _, target := range targets {
		keys = append(keys, target.Key().String())
	}
	return keys
}

func userRef(id uint) TargetRef {
	return TargetRef{Kind: routing.KindUser, ID: id}
}

func conferenceRef(id uint) TargetRef {
	return TargetRef{Kind: routing.KindConference, ID: id}
}

func feedRef(id uint) TargetRef {
	return TargetRef{Kind: routing.KindFeed, ID: id}
}
