package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
	"github.com/gin-gonic/gin"
)

type entityPayload struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

type targetPayload struct {
	Key      string `json:"key"`
	Type     string `json:"type"`
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Position *int   `json:"position,omitempty"`
}

type targetRefPayload struct {
	Type string `json:"type"`
	ID   uint   `json:"id"`
	Key  string `json:"key"`
}

type targetOrderPayload struct {
	Targets []targetRefPayload `json:"targets"`
}

type createEntityPayload struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type updateEntityPayload struct {
	Name     *string `json:"name"`
	Password *string `json:"password"`
}

type changedPayload struct {
	Changed bool `json:"changed"`
}

func (h *httpHandler) handleMyTargets(c *gin.Context) {
	principal, _ := principalFromContext(c)
	userID, ok := principalUserID(principal.Key)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	targets, err := h.directory.ListTargets(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": h.renderTargets(targets)})
}

func (h *httpHandler) handleMyTargetOrder(c *gin.Context) {
	principal, _ := principalFromContext(c)
	userID, ok := principalUserID(principal.Key)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	h.replaceOrder(c, userID)
}

func (h *httpHandler) handleListUserTargets(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	targets, err := h.directory.ListTargets(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": h.renderTargets(targets)})
}

func (h *httpHandler) handleAddUserTarget(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var request targetRefPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ref, err := request.ref()
	if err != nil {
		h.writeError(c, err)
		return
	}
	created, err := h.directory.AddTarget(c.Request.Context(), userID, ref)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, changedPayload{Changed: created})
}

func (h *httpHandler) handleRemoveUserTarget(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	targetID, ok := pathID(c, "target")
	if !ok {
		return
	}
	kind, err := routing.ParseKind(c.Param("kind"))
	if err != nil {
		h.writeError(c, directory.ErrUnknownTarget)
		return
	}
	removed, err := h.directory.RemoveTarget(c.Request.Context(), userID, directory.TargetRef{Kind: kind, ID: targetID})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, changedPayload{Changed: removed})
}

func (h *httpHandler) handleReplaceUserTargetOrder(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	h.replaceOrder(c, userID)
}

func (h *httpHandler) replaceOrder(c *gin.Context, userID uint) {
	var request targetOrderPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	refs := make([]directory.TargetRef, 0, len(request.Targets))
	for _, entry := range request.Targets {
		ref, err := entry.ref()
		if err != nil {
			h.writeError(c, err)
			return
		}
		refs = append(refs, ref)
	}
	if err := h.directory.ReplaceOrder(c.Request.Context(), userID, refs); err != nil {
		h.writeError(c, err)
		return
	}
	targets, err := h.directory.ListTargets(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": h.renderTargets(targets)})
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	users, err := h.directory.ListUsers(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := make([]entityPayload, 0, len(users))
	for _, user := range users {
		payload = append(payload, h.renderEntity(routing.KindUser, user.ID, user.Name))
	}
	c.JSON(http.StatusOK, gin.H{"users": payload})
}

func (h *httpHandler) handleCreateUser(c *gin.Context) {
	var request createEntityPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := h.directory.CreateUser(c.Request.Context(), request.Name, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.renderEntity(routing.KindUser, user.ID, user.Name))
}

func (h *httpHandler) handleUpdateUser(c *gin.Context) {
	h.updateEntity(c, h.directory.RenameUser, h.directory.SetUserPassword)
}

func (h *httpHandler) handleDeleteUser(c *gin.Context) {
	h.deleteEntity(c, h.directory.DeleteUser)
}

func (h *httpHandler) handleListConferences(c *gin.Context) {
	conferences, err := h.directory.ListConferences(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := make([]entityPayload, 0, len(conferences))
	for _, conference := range conferences {
		payload = append(payload, h.renderEntity(routing.KindConference, conference.ID, conference.Name))
	}
	c.JSON(http.StatusOK, gin.H{"conferences": payload})
}

func (h *httpHandler) handleCreateConference(c *gin.Context) {
	var request createEntityPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	conference, err := h.directory.CreateConference(c.Request.Context(), request.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.renderEntity(routing.KindConference, conference.ID, conference.Name))
}

func (h *httpHandler) handleUpdateConference(c *gin.Context) {
	h.updateEntity(c, h.directory.RenameConference, nil)
}

func (h *httpHandler) handleDeleteConference(c *gin.Context) {
	h.deleteEntity(c, h.directory.DeleteConference)
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	conferenceID, ok := pathID(c, "id")
	if !ok {
		return
	}
	members, err := h.directory.ListMembers(c.Request.Context(), conferenceID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := make([]entityPayload, 0, len(members))
	for _, member := range members {
		payload = append(payload, h.renderEntity(routing.KindUser, member.ID, member.Name))
	}
	c.JSON(http.StatusOK, gin.H{"members": payload})
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	conferenceID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := pathID(c, "user")
	if !ok {
		return
	}
	added, err := h.directory.AddMember(c.Request.Context(), conferenceID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, changedPayload{Changed: added})
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	conferenceID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := pathID(c, "user")
	if !ok {
		return
	}
	removed, err := h.directory.RemoveMember(c.Request.Context(), conferenceID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, changedPayload{Changed: removed})
}

func (h *httpHandler) handleListFeeds(c *gin.Context) {
	feeds, err := h.directory.ListFeeds(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := make([]entityPayload, 0, len(feeds))
	for _, feed := range feeds {
		payload = append(payload, h.renderEntity(routing.KindFeed, feed.ID, feed.Name))
	}
	c.JSON(http.StatusOK, gin.H{"feeds": payload})
}

func (h *httpHandler) handleCreateFeed(c *gin.Context) {
	var request createEntityPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	feed, err := h.directory.CreateFeed(c.Request.Context(), request.Name, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.renderEntity(routing.KindFeed, feed.ID, feed.Name))
}

func (h *httpHandler) handleUpdateFeed(c *gin.Context) {
	h.updateEntity(c, h.directory.RenameFeed, h.directory.SetFeedPassword)
}

func (h *httpHandler) handleDeleteFeed(c *gin.Context) {
	h.deleteEntity(c, h.directory.DeleteFeed)
}

type renameFunc func(ctx context.Context, id uint, name string) (bool, error)

type passwordFunc func(ctx context.Context, id uint, password string) (bool, error)

func (h *httpHandler) updateEntity(c *gin.Context, rename renameFunc, setPassword passwordFunc) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var request updateEntityPayload
	if err := c.ShouldBindJSON(&request); err != nil || (request.Name == nil && request.Password == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Password != nil && setPassword == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	changed := false
	if request.Name != nil {
		renamed, err := rename(c.Request.Context(), id, *request.Name)
		if err != nil {
			h.writeError(c, err)
			return
		}
		changed = changed || renamed
	}
	if request.Password != nil {
		rehashed, err := setPassword(c.Request.Context(), id, *request.Password)
		if err != nil {
			h.writeError(c, err)
			return
		}
		changed = changed || rehashed
	}
	c.JSON(http.StatusOK, changedPayload{Changed: changed})
}

func (h *httpHandler) deleteEntity(c *gin.Context, remove func(ctx context.Context, id uint) error) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := remove(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) renderEntity(kind routing.Kind, id uint, name string) entityPayload {
	key := directory.TargetRef{Kind: kind, ID: id}.Key()
	h.labels.Remember(key, name)
	return entityPayload{ID: id, Name: name, Key: key.String()}
}

// renderTargets converts a target list for the wire and refreshes the label table.
func (h *httpHandler) renderTargets(targets []directory.Target) []targetPayload {
	payload := make([]targetPayload, 0, len(targets))
	for _, target := range targets {
		key := target.Key()
		h.labels.Remember(key, target.Name)
		payload = append(payload, targetPayload{
			Key:      key.String(),
			Type:     string(target.Kind),
			ID:       target.ID,
			Name:     target.Name,
			Position: target.Position,
		})
	}
	return payload
}

func (p targetRefPayload) ref() (directory.TargetRef, error) {
	if strings.TrimSpace(p.Key) != "" {
		key, err := routing.ParseKey(p.Key)
		if err != nil {
			return directory.TargetRef{}, directory.ErrUnknownTarget
		}
		return directory.RefFromKey(key)
	}
	kind, err := routing.ParseKind(p.Type)
	if err != nil {
		return directory.TargetRef{}, directory.ErrUnknownTarget
	}
	if p.ID == 0 {
		return directory.TargetRef{}, directory.ErrInvalidInput
	}
	return directory.TargetRef{Kind: kind, ID: p.ID}, nil
}

func pathID(c *gin.Context, name string) (uint, bool) {
	value, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || value == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return uint(value), true
}

func principalUserID(key routing.Key) (uint, bool) {
	if key.Kind != routing.KindUser {
		return 0, false
	}
	value, err := strconv.ParseUint(key.ID, 10, 64)
	if err != nil || value == 0 {
		return 0, false
	}
	return uint(value), true
}
