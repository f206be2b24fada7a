package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"treeleaf/internal/integrity"
	"treeleaf/internal/seed"
	"treeleaf/internal/store"
)

type seedReq struct {
	Path string `json:"path"` // файл или директория с *.yaml
}

// AdminSeedHandler грузит YAML-фикстуры в хранилище. Каждая фикстура пишется
// своей транзакцией; уже существующие деревья дают 409.
func AdminSeedHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req seedReq
		if !bindOptional(c, &req) {
			return
		}
		path := strings.TrimSpace(req.Path)
		if path == "" {
			path = s.seedRoot
		}
		if path == "" {
			c.JSON(http.StatusBadRequest, gin.H{"errors": []FieldError{ferr(ErrRequired, "path", "no seed path configured")}})
			return
		}

		// 1) читаем и собираем все фикстуры до первой записи
		fixtures, err := seed.LoadPath(path)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Seed load error", "details": err.Error()})
			return
		}
		for _, f := range fixtures {
			tree, err := f.Build()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Seed build error", "details": err.Error()})
				return
			}
			if issues := integrity.Check(tree); len(issues) > 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":  "fixture has integrity issues",
					"tree":   f.Tree,
					"issues": issues,
					"hint":   "fix YAML and retry",
				})
				return
			}
		}

		// 2) пишем
		trees := make([]string, 0, len(fixtures))
		for _, f := range fixtures {
			if _, err := seed.Apply(c.Request.Context(), s.store, f); err != nil {
				if errors.Is(err, store.ErrAlreadyExists) {
					c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "applied": trees})
					return
				}
				writeError(c, s.log, err)
				return
			}
			trees = append(trees, f.Tree)
		}
		s.log.Info().Str("path", path).Strs("trees", trees).Msg("seed applied")
		c.JSON(http.StatusOK, gin.H{"ok": true, "path": path, "trees": trees})
	}
}
