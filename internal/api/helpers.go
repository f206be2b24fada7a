package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"treeleaf/internal/copier"
	"treeleaf/internal/repeat"
	"treeleaf/internal/store"
)

const headerOrganization = "X-Organization-Id"

// bindOptional: тело может отсутствовать. false = ответ уже отправлен.
func bindOptional(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyNotAllowed) {
		return true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON", "details": err.Error()})
	return false
}

func organizationID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(headerOrganization))
}

// writeError переводит ошибки домена в HTTP-ответ.
func writeError(c *gin.Context, log zerolog.Logger, err error) {
	var (
		unresolved *copier.UnresolvableReferenceError
		orphans    *copier.OrphanEntityError
		taken      *copier.SuffixTakenError
		aborted    *copier.TransactionAbortError
	)
	switch {
	case errors.As(err, &unresolved):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Unresolvable references", "references": unresolved.References})
	case errors.As(err, &orphans):
		c.JSON(http.StatusConflict, gin.H{"error": "Copy leaves orphans", "issues": orphans.Issues})
	case errors.As(err, &taken):
		c.JSON(http.StatusConflict, gin.H{"error": taken.Error(), "suffix": taken.Suffix, "id": taken.ID})
	case errors.As(err, &aborted):
		log.Error().Err(aborted.Err).Str("entity", string(aborted.Entity)).Str("id", aborted.ID).Msg("transaction aborted")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Transaction aborted", "entity": aborted.Entity, "id": aborted.ID,
			"reason": abortReason(aborted.Err)})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, repeat.ErrNotRepeater):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repeat.ErrNoTemplates):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Transaction timeout"})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

// abortReason: причина сбоя записи без текста драйвера.
func abortReason(err error) string {
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "storage"
	}
}
