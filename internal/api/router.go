// api/router.go
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func NewRouter(s *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(s.log), TxTimeout(s.timeout))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	apiGroup := r.Group("/api")
	{
		// повторители: сначала execute, потом план
		apiGroup.POST("/repeat/:repeaterNodeId/instances/execute", ExecuteInstancesHandler(s))
		apiGroup.POST("/repeat/:repeaterNodeId/instances", PlanInstancesHandler(s))

		apiGroup.GET("/nodes/:nodeId", GetNodeHandler(s))
		apiGroup.POST("/nodes/:nodeId/copy", CopyNodeHandler(s))
		apiGroup.POST("/nodes/:nodeId/copy-linked-variable", CopyLinkedVariableHandler(s))

		apiGroup.GET("/trees/:treeId/integrity", IntegrityHandler(s))
		apiGroup.POST("/trees/:treeId/submissions", CreateSubmissionHandler(s))
		apiGroup.GET("/submissions/:id/data", SubmissionDataHandler(s))

		apiGroup.POST("/admin/seed", AdminSeedHandler(s))
	}
	return r
}

func RunServer(addr string, s *Server) error {
	return NewRouter(s).Run(addr)
}
