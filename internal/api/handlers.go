package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"treeleaf/internal/copier"
	"treeleaf/internal/integrity"
	"treeleaf/internal/model"
	"treeleaf/internal/repeat"
	"treeleaf/internal/store"
)

// ===== Повторители =====

func PlanInstancesHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var opts repeat.Options
		if !bindOptional(c, &opts) {
			return
		}
		if ers := validateOptions(opts); len(ers) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"errors": ers})
			return
		}
		p, err := s.repeat.PlanInstances(c.Request.Context(), c.Param("repeaterNodeId"), opts)
		if err != nil {
			writeError(c, s.log, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func ExecuteInstancesHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var opts repeat.Options
		if !bindOptional(c, &opts) {
			return
		}
		if ers := validateOptions(opts); len(ers) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"errors": ers})
			return
		}
		res, err := s.repeat.ExecuteInstances(c.Request.Context(), c.Param("repeaterNodeId"), opts)
		if err != nil {
			writeError(c, s.log, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

// ===== Узлы =====

func GetNodeHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var n *model.Node
		err := s.store.View(c.Request.Context(), func(tx store.Tx) error {
			var err error
			n, err = tx.GetNode(c.Request.Context(), c.Param("nodeId"))
			return err
		})
		if err != nil {
			writeError(c, s.log, err)
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

func CopyNodeHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req copier.Request
		if !bindOptional(c, &req) {
			return
		}
		req.RootID = c.Param("nodeId")
		if ers := validateCopy(req); len(ers) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"errors": ers})
			return
		}
		res, err := s.repeat.Copy(c.Request.Context(), req)
		if err != nil {
			writeError(c, s.log, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

func CopyLinkedVariableHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req copier.VariableRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
			return
		}
		if ers := validateVariable(req); len(ers) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"errors": ers})
			return
		}
		res, err := s.repeat.CopyLinkedVariable(c.Request.Context(), c.Param("nodeId"), req)
		if err != nil {
			writeError(c, s.log, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

// ===== Деревья и submissions =====

// IntegrityHandler: отчёт о разрывах; ?code= сужает по кодам.
func IntegrityHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		treeID := c.Param("treeId")
		var tree *model.Tree
		err := s.store.View(c.Request.Context(), func(tx store.Tx) error {
			var err error
			tree, err = tx.LoadTree(c.Request.Context(), treeID)
			return err
		})
		if err != nil {
			writeError(c, s.log, err)
			return
		}

		params := parseListParams(c.Request.URL.Query())
		issues := integrity.Check(tree)
		if params.Codes != nil {
			kept := issues[:0]
			for _, i := range issues {
				if params.Codes[i.Code] {
					kept = append(kept, i)
				}
			}
			issues = kept
		}
		integrity.SortByCode(issues)
		if issues == nil {
			issues = []integrity.Issue{}
		}
		c.JSON(http.StatusOK, gin.H{
			"treeId": treeID,
			"ok":     len(issues) == 0,
			"codes":  integrity.Codes(issues),
			"issues": issues,
		})
	}
}

func CreateSubmissionHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		treeID := c.Param("treeId")
		org := organizationID(c)
		var sub *model.Submission
		err := s.store.Update(c.Request.Context(), func(tx store.Tx) error {
			var err error
			sub, err = s.submissions.Create(c.Request.Context(), tx, treeID, org)
			return err
		})
		if err != nil {
			writeError(c, s.log, err)
			return
		}
		c.JSON(http.StatusCreated, sub)
	}
}

func SubmissionDataHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		var rows []*model.SubmissionData
		err := s.store.View(c.Request.Context(), func(tx store.Tx) error {
			var err error
			rows, err = tx.ListSubmissionData(c.Request.Context(), id)
			return err
		})
		if err != nil {
			writeError(c, s.log, err)
			return
		}
		params := parseListParams(c.Request.URL.Query())
		c.Header("X-Total-Count", strconv.Itoa(len(rows)))
		c.JSON(http.StatusOK, page(rows, params))
	}
}
