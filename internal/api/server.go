// Package api exposes the service over HTTP and streams events over a websocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/events"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/service"
)

type Server struct {
	svc    *service.Service
	bus    *events.Bus
	cfg    config.Config
	logger *logger.Logger

	// analysis runs started without ?wait=true
	runs sync.WaitGroup
}

func NewServer(svc *service.Service, bus *events.Bus, cfg config.Config, log *logger.Logger) *Server {
	return &Server{
		svc:    svc,
		bus:    bus,
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), LoggingMiddleware(s.logger, s.svc))
	if s.cfg.Server.CORS {
		router.Use(CORSMiddleware())
	}

	router.GET("/health", s.health)
	RegisterDashboardRoutes(router)

	v1 := router.Group("/api/v1")
	if s.cfg.Security.RateLimit.RequestsPerSecond > 0 {
		v1.Use(RateLimitMiddleware(s.cfg.Security.RateLimit))
	}
	if s.cfg.Security.EnableAuth {
		v1.Use(AuthMiddleware(s.cfg.Security.APIKey, s.logger))
	}

	v1.GET("/events", s.streamEvents)

	v1.GET("/projects", s.listProjects)
	v1.POST("/projects", s.createProject)
	v1.GET("/projects/current", s.currentProject)
	v1.POST("/projects/:id/select", s.selectProject)

	scoped := v1.Group("")
	scoped.Use(RequireProject(s.svc))
	{
		scoped.DELETE("/projects/current/data", s.deleteProjectData)

		scoped.GET("/roles", s.listRoles)
		scoped.POST("/roles", s.addRole)
		scoped.PUT("/roles/:id", s.updateRole)
		scoped.DELETE("/roles/:id", s.deleteRole)
		scoped.POST("/roles/:id/check-all", s.checkAllForRole)

		scoped.GET("/users", s.listUsers)
		scoped.POST("/users", s.addUser)
		scoped.GET("/users/:id", s.getUser)
		scoped.PUT("/users/:id", s.updateUser)
		scoped.DELETE("/users/:id", s.deleteUser)
		scoped.POST("/users/:id/check-all", s.checkAllForUser)

		scoped.GET("/templates", s.listTemplates)
		scoped.POST("/templates", s.addTemplate)
		scoped.DELETE("/templates", s.clearTemplates)
		scoped.GET("/templates/:id", s.getTemplate)
		scoped.PUT("/templates/:id", s.updateTemplate)
		scoped.DELETE("/templates/:id", s.deleteTemplate)
		scoped.PUT("/templates/:id/request", s.updateTemplateRequest)
		scoped.POST("/templates/:id/roles/:subjectId/toggle", s.toggleTemplateRole)
		scoped.POST("/templates/:id/users/:subjectId/toggle", s.toggleTemplateUser)
		scoped.POST("/import/openapi", s.importOpenAPI)

		scoped.GET("/substitutions", s.listSubstitutions)
		scoped.POST("/substitutions", s.addSubstitution)
		scoped.DELETE("/substitutions", s.clearSubstitutions)
		scoped.PUT("/substitutions/:id", s.updateSubstitution)
		scoped.DELETE("/substitutions/:id", s.deleteSubstitution)

		scoped.GET("/settings", s.getSettings)
		scoped.PUT("/settings", s.updateSettings)

		scoped.POST("/analysis", s.runAnalysis)
		scoped.GET("/analysis", s.analysisStatus)
		scoped.GET("/results", s.listResults)
		scoped.GET("/matrix", s.matrix)
		scoped.GET("/requests/:id", s.getRequestResponse)
		scoped.POST("/capture", s.capture)
	}

	return router
}

// Wait blocks until background analysis runs have finished.
func (s *Server) Wait() {
	s.runs.Wait()
	s.svc.Wait()
}

func (s *Server) health(c *gin.Context) {
	status := gin.H{
		"status":         "ok",
		"subscribers":    s.bus.SubscriberCount(),
		"dropped_events": s.bus.Dropped(),
	}
	if pacing, ok := s.svc.ReplayPacing(); ok {
		status["replay_pacing"] = pacing
	}
	if project, ok := s.svc.CurrentProject(c.Request.Context()); ok {
		status["project"] = project
	}
	c.JSON(http.StatusOK, status)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNoProject), errors.Is(err, core.ErrAnalysisRunning):
		return http.StatusConflict
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		ctx := c.Request.Context()
		logger.FromContext(ctx).LogError(ctx, err, c.FullPath())
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// respond writes value, or the error when err is set. Persistence failures
// arrive together with the already-applied value and are still errors.
func respond(c *gin.Context, status int, value any, err error) {
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(status, value)
}

func noContent(c *gin.Context, err error) {
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return false
	}
	return true
}
