package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMembershipAddIsIdempotentAndListsByName(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	stage := mustCreateConference(t, service, "stage")
	zoe := mustCreateUser(t, service, "zoe")
	adam := mustCreateUser(t, service, "adam")

	for _, user := range []User{zoe, adam} {
		added, err := service.AddMember(ctx, stage.ID, user.ID)
		if err != nil || !added {
			t.Fatalf("add member %s: added=%v err=%v", user.Name, added, err)
		}
	}
	again, err := service.AddMember(ctx, stage.ID, zoe.ID)
	if err != nil || again {
		t.Fatalf("expected repeated add to be a no-op, got added=%v err=%v", again, err)
	}

	members, err := service.ListMembers(ctx, stage.ID)
	if err != nil {
		t.Fatalf("list members failed: %v", err)
	}
	if len(members) != 2 || members[0].Name != "adam" || members[1].Name != "zoe" {
		t.Fatalf("unexpected members %+v", members)
	}

	removed, err := service.RemoveMember(ctx, stage.ID, zoe.ID)
	if err != nil || !removed {
		t.Fatalf("remove member: removed=%v err=%v", removed, err)
	}
	members, err = service.ListMembers(ctx, stage.ID)
	if err != nil || len(members) != 1 || members[0].ID != adam.ID {
		t.Fatalf("expected only adam to remain, got %+v (%v)", members, err)
	}
}

func TestMembershipRequiresExistingEntities(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	stage := mustCreateConference(t, service, "stage")

	if _, err := service.AddMember(ctx, stage.ID, 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing user, got %v", err)
	}
	if _, err := service.ListMembers(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing conference, got %v", err)
	}
}

func TestAddMemberRacingDeleteNeverLeavesOrphans(t *testing.T) {
	service, db, _ := newTestService(t)
	ctx := context.Background()
	stage := mustCreateConference(t, service, "stage")

	for round := 0; round < 20; round++ {
		user := mustInsertBareUser(t, db, "member-"+itoa(uint(round)))

		var wg sync.WaitGroup
		var addErr, deleteErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, addErr = service.AddMember(ctx, stage.ID, user.ID)
		}()
		go func() {
			defer wg.Done()
			deleteErr = service.DeleteUser(ctx, user.ID)
		}()
		wg.Wait()

		if deleteErr != nil {
			t.Fatalf("round %d: delete failed: %v", round, deleteErr)
		}
		if addErr != nil && !errors.Is(addErr, ErrNotFound) {
			t.Fatalf("round %d: expected success or ErrNotFound, got %v", round, addErr)
		}
		var memberships int64
		db.Model(&Membership{}).Where("user_id = ?", user.ID).Count(&memberships)
		if memberships != 0 {
			t.Fatalf("round %d: deleted user left %d memberships", round, memberships)
		}
	}
}
