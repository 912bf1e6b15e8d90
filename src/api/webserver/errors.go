package webserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/agaro/votecore/src/voting/types"
)

// writeError maps engine errors onto HTTP statuses. Internal failures are logged and
// reported without detail.
func writeError(c *gin.Context, log zerolog.Logger, err error) {
	var inel *types.IneligibleError
	switch {
	case errors.As(err, &inel):
		c.JSON(http.StatusForbidden, gin.H{"err": inel.Error(), "reason": inel.Reason})
	case errors.Is(err, types.ErrPollNotFound), errors.Is(err, types.ErrVoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"err": err.Error()})
	case errors.Is(err, types.ErrInvalidChoice), errors.Is(err, types.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
	case errors.Is(err, types.ErrAlreadyVoted):
		c.JSON(http.StatusConflict, gin.H{"err": err.Error()})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"err": "internal error"})
	}
}
