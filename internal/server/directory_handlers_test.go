package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/media"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
)

func TestSignupIssuesTokenAndJoinsAll(t *testing.T) {
	env := newTestEnvironment(t)

	recorder := env.do(t, http.MethodPost, "/auth/signup", "", signupRequestPayload{Name: "alice", Password: "secret-alice"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response authResponsePayload
	decodeBody(t, recorder, &response)
	if response.AccessToken == "" || response.TokenType != "Bearer" {
		t.Fatalf("unexpected auth response: %+v", response)
	}

	principal, err := env.tokens.ValidateToken(response.AccessToken)
	if err != nil {
		t.Fatalf("issued token did not validate: %v", err)
	}
	if principal.Key.String() != response.Principal || principal.Name != "alice" {
		t.Fatalf("unexpected principal %+v for %q", principal, response.Principal)
	}

	targets := env.do(t, http.MethodGet, "/me/targets", response.AccessToken, nil)
	if targets.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", targets.Code)
	}
	var listed struct {
		Targets []targetPayload `json:"targets"`
	}
	decodeBody(t, targets, &listed)
	if len(listed.Targets) != 1 || listed.Targets[0].Name != "All" {
		t.Fatalf("expected only the All conference, got %+v", listed.Targets)
	}

	duplicate := env.do(t, http.MethodPost, "/auth/signup", "", signupRequestPayload{Name: "alice", Password: "other"})
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate name, got %d", duplicate.Code)
	}
}

func TestLoginVerifiesUsersAndFeeds(t *testing.T) {
	env := newTestEnvironment(t)
	env.mustCreateUser(t, "bob")

	ok := env.do(t, http.MethodPost, "/auth/login", "", loginRequestPayload{Name: "bob", Password: "secret-bob"})
	if ok.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ok.Code, ok.Body.String())
	}

	wrong := env.do(t, http.MethodPost, "/auth/login", "", loginRequestPayload{Name: "bob", Password: "nope"})
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", wrong.Code)
	}

	unknown := env.do(t, http.MethodPost, "/auth/login", "", loginRequestPayload{Name: "nobody", Password: "x"})
	if unknown.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", unknown.Code)
	}

	if _, err := env.directory.CreateFeed(context.Background(), "program", "feed-secret"); err != nil {
		t.Fatalf("create feed failed: %v", err)
	}
	feed := env.do(t, http.MethodPost, "/auth/login", "", loginRequestPayload{Kind: "feed", Name: "program", Password: "feed-secret"})
	if feed.Code != http.StatusOK {
		t.Fatalf("expected feed login to succeed, got %d", feed.Code)
	}
	var response authResponsePayload
	decodeBody(t, feed, &response)
	principal, err := env.tokens.ValidateToken(response.AccessToken)
	if err != nil || !principal.IsFeed() {
		t.Fatalf("expected feed principal, got %+v (%v)", principal, err)
	}

	bad := env.do(t, http.MethodPost, "/auth/login", "", loginRequestPayload{Kind: "conference", Name: "All", Password: "x"})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for conference login, got %d", bad.Code)
	}
}

func TestMyTargetOrderAppendsOmittedTargets(t *testing.T) {
	env := newTestEnvironment(t)
	alice := env.mustCreateUser(t, "alice")
	bob := env.mustCreateUser(t, "bob")
	token := env.userToken(t, alice)

	created := env.do(t, http.MethodPost, "/admin/conferences", token, createEntityPayload{Name: "stage"})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	var stage entityPayload
	decodeBody(t, created, &stage)

	for _, ref := range []targetRefPayload{{Type: "user", ID: bob.ID}, {Key: stage.Key}} {
		recorder := env.do(t, http.MethodPost, fmt.Sprintf("/admin/users/%d/targets", alice.ID), token, ref)
		if recorder.Code != http.StatusCreated {
			t.Fatalf("expected 201 adding %+v, got %d: %s", ref, recorder.Code, recorder.Body.String())
		}
	}

	bobKey := userKey(bob.ID).String()
	recorder := env.do(t, http.MethodPut, "/me/targets/order", token, targetOrderPayload{
		Targets: []targetRefPayload{{Key: stage.Key}, {Key: bobKey}},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var listed struct {
		Targets []targetPayload `json:"targets"`
	}
	decodeBody(t, recorder, &listed)
	keys := payloadKeys(listed.Targets)
	if len(keys) != 3 || keys[0] != stage.Key || keys[1] != bobKey {
		t.Fatalf("unexpected order %v", keys)
	}
	if listed.Targets[2].Name != "All" {
		t.Fatalf("expected All to be appended after the listed targets, got %v", keys)
	}
}

func TestAdminTargetErrors(t *testing.T) {
	env := newTestEnvironment(t)
	alice := env.mustCreateUser(t, "alice")
	token := env.userToken(t, alice)

	self := env.do(t, http.MethodPost, fmt.Sprintf("/admin/users/%d/targets", alice.ID), token, targetRefPayload{Type: "user", ID: alice.ID})
	if self.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a self target, got %d", self.Code)
	}

	missing := env.do(t, http.MethodPost, fmt.Sprintf("/admin/users/%d/targets", alice.ID), token, targetRefPayload{Type: "feed", ID: 99})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing feed, got %d", missing.Code)
	}

	unknown := env.do(t, http.MethodPost, fmt.Sprintf("/admin/users/%d/targets", alice.ID), token, targetRefPayload{Type: "room", ID: 1})
	if unknown.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown kind, got %d", unknown.Code)
	}

	badID := env.do(t, http.MethodGet, "/admin/users/zero/targets", token, nil)
	if badID.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed id, got %d", badID.Code)
	}
}

func TestAllConferenceIsProtected(t *testing.T) {
	env := newTestEnvironment(t)
	alice := env.mustCreateUser(t, "alice")
	token := env.userToken(t, alice)

	recorder := env.do(t, http.MethodGet, "/admin/conferences", token, nil)
	var listed struct {
		Conferences []entityPayload `json:"conferences"`
	}
	decodeBody(t, recorder, &listed)
	if len(listed.Conferences) != 1 || listed.Conferences[0].Name != "All" {
		t.Fatalf("expected only All, got %+v", listed.Conferences)
	}
	allID := listed.Conferences[0].ID

	remove := env.do(t, http.MethodDelete, fmt.Sprintf("/admin/conferences/%d", allID), token, nil)
	if remove.Code != http.StatusForbidden {
		t.Fatalf("expected 403 deleting All, got %d", remove.Code)
	}
	name := "Everyone"
	rename := env.do(t, http.MethodPatch, fmt.Sprintf("/admin/conferences/%d", allID), token, updateEntityPayload{Name: &name})
	if rename.Code != http.StatusForbidden {
		t.Fatalf("expected 403 renaming All, got %d", rename.Code)
	}
	leave := env.do(t, http.MethodDelete, fmt.Sprintf("/admin/conferences/%d/members/%d", allID, alice.ID), token, nil)
	if leave.Code != http.StatusForbidden {
		t.Fatalf("expected 403 leaving All, got %d", leave.Code)
	}

	members := env.do(t, http.MethodGet, fmt.Sprintf("/admin/conferences/%d/members", allID), token, nil)
	var memberList struct {
		Members []entityPayload `json:"members"`
	}
	decodeBody(t, members, &memberList)
	if len(memberList.Members) != 1 || memberList.Members[0].ID != alice.ID {
		t.Fatalf("expected alice as the only member, got %+v", memberList.Members)
	}
}

func TestDeleteUserRemovesItFromOtherTargetLists(t *testing.T) {
	env := newTestEnvironment(t)
	alice := env.mustCreateUser(t, "alice")
	bob := env.mustCreateUser(t, "bob")
	token := env.userToken(t, alice)

	add := env.do(t, http.MethodPost, fmt.Sprintf("/admin/users/%d/targets", alice.ID), token, targetRefPayload{Type: "user", ID: bob.ID})
	if add.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", add.Code)
	}
	again := env.do(t, http.MethodPost, fmt.Sprintf("/admin/users/%d/targets", alice.ID), token, targetRefPayload{Type: "user", ID: bob.ID})
	if again.Code != http.StatusOK {
		t.Fatalf("expected 200 for an existing edge, got %d", again.Code)
	}

	remove := env.do(t, http.MethodDelete, fmt.Sprintf("/admin/users/%d", bob.ID), token, nil)
	if remove.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", remove.Code, remove.Body.String())
	}

	recorder := env.do(t, http.MethodGet, fmt.Sprintf("/admin/users/%d/targets", alice.ID), token, nil)
	var listed struct {
		Targets []targetPayload `json:"targets"`
	}
	decodeBody(t, recorder, &listed)
	for _, target := range listed.Targets {
		if target.Key == userKey(bob.ID).String() {
			t.Fatalf("expected bob to be gone from alice's targets, got %v", payloadKeys(listed.Targets))
		}
	}

	gone := env.do(t, http.MethodDelete, fmt.Sprintf("/admin/users/%d", bob.ID), token, nil)
	if gone.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting twice, got %d", gone.Code)
	}
}

func TestAdminRoutesRejectFeedPrincipals(t *testing.T) {
	env := newTestEnvironment(t)
	feed, err := env.directory.CreateFeed(context.Background(), "program", "feed-secret")
	if err != nil {
		t.Fatalf("create feed failed: %v", err)
	}
	token := env.tokenFor(t, auth.Principal{Key: routing.Key{Kind: routing.KindFeed, ID: fmt.Sprint(feed.ID)}, Name: feed.Name})

	recorder := env.do(t, http.MethodGet, "/admin/users", token, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for feed principal, got %d", recorder.Code)
	}
	mine := env.do(t, http.MethodGet, "/me/targets", token, nil)
	if mine.Code != http.StatusForbidden {
		t.Fatalf("expected 403 listing feed targets, got %d", mine.Code)
	}
	anonymous := env.do(t, http.MethodGet, "/admin/users", "", nil)
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", anonymous.Code)
	}
}

func TestUpdateUserRenamesAndRehashes(t *testing.T) {
	env := newTestEnvironment(t)
	alice := env.mustCreateUser(t, "alice")
	token := env.userToken(t, alice)

	name := "alicia"
	password := "new-secret"
	recorder := env.do(t, http.MethodPatch, fmt.Sprintf("/admin/users/%d", alice.ID), token, updateEntityPayload{Name: &name, Password: &password})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var changed changedPayload
	decodeBody(t, recorder, &changed)
	if !changed.Changed {
		t.Fatalf("expected change to be reported")
	}

	login := env.do(t, http.MethodPost, "/auth/login", "", loginRequestPayload{Name: "alicia", Password: "new-secret"})
	if login.Code != http.StatusOK {
		t.Fatalf("expected login with new credentials, got %d", login.Code)
	}

	empty := env.do(t, http.MethodPatch, fmt.Sprintf("/admin/users/%d", alice.ID), token, updateEntityPayload{})
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty update, got %d", empty.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		reason string
	}{
		{fmt.Errorf("wrapped: %w", directory.ErrDuplicateName), http.StatusConflict, "duplicate_name"},
		{directory.ErrUnknownTarget, http.StatusBadRequest, "unknown_target"},
		{directory.ErrNotFound, http.StatusNotFound, "not_found"},
		{directory.ErrProtected, http.StatusForbidden, "protected"},
		{directory.ErrNotAddressable, http.StatusForbidden, "not_addressable"},
		{fmt.Errorf("%w: produce", media.ErrTimeout), http.StatusGatewayTimeout, "timeout"},
		{auth.ErrInvalidToken, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, reason := errorStatus(tc.err)
		if status != tc.status || reason != tc.reason {
			t.Fatalf("errorStatus(%v) = %d %s, want %d %s", tc.err, status, reason, tc.status, tc.reason)
		}
	}
}
