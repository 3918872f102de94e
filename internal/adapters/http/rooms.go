package http

import (
	"net/http"

	"github.com/dkeye/agentvoice/internal/core"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type createRoomRequest struct {
	Name            string         `json:"name"`
	Kind            string         `json:"kind"`
	Settings        map[string]any `json:"settings"`
	MaxParticipants int            `json:"maxParticipants"`
}

type updateRoomRequest struct {
	Name            *string        `json:"name"`
	Settings        map[string]any `json:"settings"`
	MaxParticipants *int           `json:"maxParticipants"`
}

type addParticipantRequest struct {
	AgentID  string         `json:"agentId"`
	Metadata map[string]any `json:"metadata"`
}

func agentOf(c *gin.Context) domain.AgentID {
	return domain.AgentID(c.GetString(ctxAgent))
}

func (h *api) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}
	name, err := domain.ParseRoomName(req.Name)
	if err != nil {
		abortErr(c, err)
		return
	}
	kind, err := domain.ParseRoomKind(req.Kind)
	if err != nil {
		abortErr(c, err)
		return
	}
	if req.MaxParticipants < 0 {
		abortErr(c, domain.ErrBadCapacity)
		return
	}
	room, err := h.Orch.CreateRoom(c.Request.Context(), name, kind, agentOf(c), req.Settings, req.MaxParticipants)
	if err != nil {
		abortErr(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", string(room.ID)).Str("agent", string(room.CreatedBy)).Msg("room created")
	c.JSON(http.StatusCreated, room)
}

func (h *api) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.Orch.Rooms.ListRooms()})
}

func (h *api) getRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	room, ok := h.Orch.Rooms.GetRoom(id)
	if !ok {
		abortErr(c, core.ErrRoomNotFound)
		return
	}
	c.JSON(http.StatusOK, core.RoomInfo{Room: room, ParticipantCount: len(h.Orch.Rooms.ParticipantsByRoom(id))})
}

// ownedRoom loads the room and requires the caller to be its creator.
func (h *api) ownedRoom(c *gin.Context) (domain.Room, bool) {
	room, ok := h.Orch.Rooms.GetRoom(domain.RoomID(c.Param("id")))
	if !ok {
		abortErr(c, core.ErrRoomNotFound)
		return domain.Room{}, false
	}
	if room.CreatedBy != agentOf(c) {
		abort(c, http.StatusForbidden, codeForbidden, "only the room creator may do this")
		return domain.Room{}, false
	}
	return room, true
}

func (h *api) updateRoom(c *gin.Context) {
	room, ok := h.ownedRoom(c)
	if !ok {
		return
	}
	var req updateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}
	patch := core.RoomPatch{Settings: req.Settings, MaxParticipants: req.MaxParticipants}
	if req.Name != nil {
		name, err := domain.ParseRoomName(*req.Name)
		if err != nil {
			abortErr(c, err)
			return
		}
		patch.Name = &name
	}
	updated, err := h.Orch.UpdateRoom(c.Request.Context(), room.ID, patch)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *api) deleteRoom(c *gin.Context) {
	room, ok := h.ownedRoom(c)
	if !ok {
		return
	}
	if !h.Orch.DeleteRoom(c.Request.Context(), room.ID) {
		abortErr(c, core.ErrRoomNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *api) addParticipant(c *gin.Context) {
	var req addParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}
	agent, err := domain.ParseAgentID(req.AgentID)
	if err != nil {
		abortErr(c, err)
		return
	}
	p, err := h.Orch.AddParticipant(c.Request.Context(), domain.RoomID(c.Param("id")), agent, req.Metadata)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *api) listParticipants(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if _, ok := h.Orch.Rooms.GetRoom(id); !ok {
		abortErr(c, core.ErrRoomNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": h.Orch.Rooms.ParticipantsByRoom(id)})
}

func (h *api) removeParticipant(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if _, ok := h.Orch.Rooms.GetRoom(id); !ok {
		abortErr(c, core.ErrRoomNotFound)
		return
	}
	if _, ok := h.Orch.RemoveParticipant(c.Request.Context(), id, domain.ParticipantID(c.Param("pid"))); !ok {
		abortErr(c, core.ErrParticipantNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *api) joinToken(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if _, ok := h.Orch.Rooms.GetRoom(id); !ok {
		abortErr(c, core.ErrRoomNotFound)
		return
	}
	tok, err := h.Auth.IssueRoomJoinToken(id, agentOf(c))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}
