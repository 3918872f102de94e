package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/agentvoice/internal/core"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	codeBadRequest          = "BAD_REQUEST"
	codeUnauthorized        = "UNAUTHORIZED"
	codeForbidden           = "FORBIDDEN"
	codeRateLimited         = "RATE_LIMITED"
	codeRoomNotFound        = "ROOM_NOT_FOUND"
	codeRoomFull            = "ROOM_FULL"
	codeParticipantNotFound = "PARTICIPANT_NOT_FOUND"
	codeConflict            = "CONFLICT"
	codeInternal            = "INTERNAL"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Error: code, Message: msg})
}

func abortErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		abort(c, http.StatusNotFound, codeRoomNotFound, err.Error())
	case errors.Is(err, core.ErrRoomFull):
		abort(c, http.StatusConflict, codeRoomFull, err.Error())
	case errors.Is(err, core.ErrParticipantNotFound):
		abort(c, http.StatusNotFound, codeParticipantNotFound, err.Error())
	case errors.Is(err, core.ErrCapacityTooLow), errors.Is(err, core.ErrAlreadyJoined):
		abort(c, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, domain.ErrBadCapacity),
		errors.Is(err, domain.ErrRoomNameEmpty), errors.Is(err, domain.ErrRoomNameTooLong),
		errors.Is(err, domain.ErrUnknownRoomKind),
		errors.Is(err, domain.ErrAgentIDEmpty), errors.Is(err, domain.ErrAgentIDTooLong):
		abort(c, http.StatusBadRequest, codeBadRequest, err.Error())
	default:
		abort(c, http.StatusInternalServerError, codeInternal, err.Error())
	}
}
