package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devghori1264/aerophoenix/continuity/internal/derive"
	"github.com/devghori1264/aerophoenix/continuity/internal/models"
	"github.com/devghori1264/aerophoenix/continuity/internal/registry"
	"github.com/devghori1264/aerophoenix/continuity/internal/server"
)

// Error kinds reported in response bodies beyond the registry's own.
const (
	KindUnknownDerivation = "unknown_derivation"
	KindRateLimited       = "rate_limited"
	KindStorage           = "storage"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func invalidRequest(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
}

// classify maps err to an HTTP status and a response kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, models.ErrInvalidKey),
		errors.Is(err, models.ErrUnsupportedValue):
		return http.StatusBadRequest, string(registry.KindInvalid)
	case errors.Is(err, derive.ErrUnknownDerivation):
		return http.StatusBadRequest, KindUnknownDerivation
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, KindRateLimited
	case errors.Is(err, server.ErrPersistence):
		return http.StatusInternalServerError, KindStorage
	}

	kind := registry.KindOf(err)
	switch kind {
	case registry.KindNotFound:
		return http.StatusNotFound, string(kind)
	case registry.KindConflict:
		return http.StatusConflict, string(kind)
	case registry.KindTimeout:
		return http.StatusGatewayTimeout, string(kind)
	case registry.KindResourceExhausted:
		return http.StatusServiceUnavailable, string(kind)
	case registry.KindInvalid:
		return http.StatusBadRequest, string(kind)
	case registry.KindCanceled:
		// The client went away; nobody reads this status.
		return 499, string(kind)
	default:
		return http.StatusInternalServerError, string(registry.KindInternal)
	}
}

func writeError(c *gin.Context, err error) {
	status, kind := classify(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Kind: kind})
}
