package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

type nameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.svc.ListProjects(c.Request.Context())
	respond(c, http.StatusOK, projects, err)
}

func (s *Server) createProject(c *gin.Context) {
	var req nameRequest
	if !bind(c, &req) {
		return
	}
	project, err := s.svc.CreateProject(c.Request.Context(), req.Name)
	respond(c, http.StatusCreated, project, err)
}

func (s *Server) currentProject(c *gin.Context) {
	projectID, ok := s.svc.CurrentProject(c.Request.Context())
	if !ok {
		abortWithError(c, core.ErrNoProject)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projectId": projectID})
}

func (s *Server) selectProject(c *gin.Context) {
	err := s.svc.SelectProject(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, gin.H{"projectId": c.Param("id")}, err)
}

func (s *Server) deleteProjectData(c *gin.Context) {
	noContent(c, s.svc.DeleteProjectData(c.Request.Context()))
}

// Roles

func (s *Server) listRoles(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.ListRoles(c.Request.Context()))
}

func (s *Server) addRole(c *gin.Context) {
	var req nameRequest
	if !bind(c, &req) {
		return
	}
	role, err := s.svc.AddRole(c.Request.Context(), req.Name)
	respond(c, http.StatusCreated, role, err)
}

func (s *Server) updateRole(c *gin.Context) {
	var fields types.RoleFields
	if !bind(c, &fields) {
		return
	}
	role, err := s.svc.UpdateRole(c.Request.Context(), c.Param("id"), fields)
	respond(c, http.StatusOK, role, err)
}

func (s *Server) deleteRole(c *gin.Context) {
	noContent(c, s.svc.DeleteRole(c.Request.Context(), c.Param("id")))
}

func (s *Server) checkAllForRole(c *gin.Context) {
	changed, err := s.svc.CheckAllTemplatesForRole(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, gin.H{"changed": changed}, err)
}

// Users

func (s *Server) listUsers(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.ListUsers(c.Request.Context()))
}

func (s *Server) addUser(c *gin.Context) {
	var req nameRequest
	if !bind(c, &req) {
		return
	}
	user, err := s.svc.AddUser(c.Request.Context(), req.Name)
	respond(c, http.StatusCreated, user, err)
}

func (s *Server) getUser(c *gin.Context) {
	user, err := s.svc.GetUser(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, user, err)
}

func (s *Server) updateUser(c *gin.Context) {
	var fields types.UserFields
	if !bind(c, &fields) {
		return
	}
	user, err := s.svc.UpdateUser(c.Request.Context(), c.Param("id"), fields)
	respond(c, http.StatusOK, user, err)
}

func (s *Server) deleteUser(c *gin.Context) {
	noContent(c, s.svc.DeleteUser(c.Request.Context(), c.Param("id")))
}

func (s *Server) checkAllForUser(c *gin.Context) {
	changed, err := s.svc.CheckAllTemplatesForUser(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, gin.H{"changed": changed}, err)
}

// Templates

func (s *Server) listTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.ListTemplates(c.Request.Context()))
}

// addTemplate creates a blank template, or one built from a recorded
// exchange when the body names a requestId.
func (s *Server) addTemplate(c *gin.Context) {
	var req struct {
		RequestID string `json:"requestId"`
	}
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}

	ctx := c.Request.Context()
	var (
		tmpl *types.Template
		err  error
	)
	if req.RequestID != "" {
		tmpl, err = s.svc.AddTemplateFromRequest(ctx, req.RequestID)
	} else {
		tmpl, err = s.svc.AddTemplate(ctx)
	}
	if err == nil && tmpl == nil {
		c.Status(http.StatusNoContent)
		return
	}
	respond(c, http.StatusCreated, tmpl, err)
}

func (s *Server) getTemplate(c *gin.Context) {
	tmpl, err := s.svc.GetTemplate(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, tmpl, err)
}

func (s *Server) updateTemplate(c *gin.Context) {
	var fields types.TemplateFields
	if !bind(c, &fields) {
		return
	}
	tmpl, err := s.svc.UpdateTemplate(c.Request.Context(), c.Param("id"), fields)
	respond(c, http.StatusOK, tmpl, err)
}

// updateTemplateRequest accepts either {"raw": "..."} or a structured request spec.
func (s *Server) updateTemplateRequest(c *gin.Context) {
	var req struct {
		Raw  string             `json:"raw"`
		Spec *types.RequestSpec `json:"spec"`
	}
	if !bind(c, &req) {
		return
	}

	ctx := c.Request.Context()
	var (
		tmpl *types.Template
		err  error
	)
	switch {
	case req.Spec != nil:
		tmpl, err = s.svc.UpdateTemplateFromSpec(ctx, c.Param("id"), req.Spec)
	case req.Raw != "":
		tmpl, err = s.svc.UpdateTemplateRequest(ctx, c.Param("id"), req.Raw)
	default:
		err = core.NewMalformedInputError("request", "raw or spec is required", nil)
	}
	respond(c, http.StatusOK, tmpl, err)
}

func (s *Server) deleteTemplate(c *gin.Context) {
	noContent(c, s.svc.DeleteTemplate(c.Request.Context(), c.Param("id")))
}

func (s *Server) clearTemplates(c *gin.Context) {
	noContent(c, s.svc.ClearTemplates(c.Request.Context()))
}

func (s *Server) toggleTemplateRole(c *gin.Context) {
	tmpl, err := s.svc.ToggleTemplateRole(c.Request.Context(), c.Param("id"), c.Param("subjectId"))
	respond(c, http.StatusOK, tmpl, err)
}

func (s *Server) toggleTemplateUser(c *gin.Context) {
	tmpl, err := s.svc.ToggleTemplateUser(c.Request.Context(), c.Param("id"), c.Param("subjectId"))
	respond(c, http.StatusOK, tmpl, err)
}

func (s *Server) importOpenAPI(c *gin.Context) {
	document, err := c.GetRawData()
	if err != nil {
		abortWithError(c, core.NewMalformedInputError("openapi", "unreadable body", err))
		return
	}

	result, err := s.svc.ImportOpenAPI(c.Request.Context(), document)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"imported":   len(result.Templates),
		"synthetic":  result.Synthetic,
		"duplicates": result.Duplicates,
		"templates":  result.Templates,
	})
}

// Substitutions

type substitutionRequest struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

func (s *Server) listSubstitutions(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.ListSubstitutions(c.Request.Context()))
}

func (s *Server) addSubstitution(c *gin.Context) {
	var req substitutionRequest
	if !bind(c, &req) {
		return
	}
	sub, err := s.svc.AddSubstitution(c.Request.Context(), req.Pattern, req.Replacement)
	respond(c, http.StatusCreated, sub, err)
}

func (s *Server) updateSubstitution(c *gin.Context) {
	var fields types.SubstitutionFields
	if !bind(c, &fields) {
		return
	}
	sub, err := s.svc.UpdateSubstitution(c.Request.Context(), c.Param("id"), fields)
	respond(c, http.StatusOK, sub, err)
}

func (s *Server) deleteSubstitution(c *gin.Context) {
	noContent(c, s.svc.DeleteSubstitution(c.Request.Context(), c.Param("id")))
}

func (s *Server) clearSubstitutions(c *gin.Context) {
	noContent(c, s.svc.ClearSubstitutions(c.Request.Context()))
}

// Settings

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetSettings(c.Request.Context()))
}

func (s *Server) updateSettings(c *gin.Context) {
	var settings types.Settings
	if !bind(c, &settings) {
		return
	}
	updated, err := s.svc.UpdateSettings(c.Request.Context(), settings)
	respond(c, http.StatusOK, updated, err)
}

// Analysis

// runAnalysis starts a run in the background and answers 202. With
// ?wait=true it blocks and returns the run summary.
func (s *Server) runAnalysis(c *gin.Context) {
	if s.svc.AnalysisRunning() {
		abortWithError(c, core.ErrAnalysisRunning)
		return
	}

	if c.Query("wait") == "true" {
		summary, err := s.svc.RunAnalysis(c.Request.Context())
		respond(c, http.StatusOK, summary, err)
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	log := logger.FromContext(ctx)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		summary, err := s.svc.RunAnalysis(ctx)
		if err != nil {
			if errors.Is(err, core.ErrAnalysisRunning) {
				log.Debugw("Analysis already running, request ignored")
				return
			}
			log.LogError(ctx, err, "api.RunAnalysis")
			return
		}
		if summary != nil {
			log.Infow("Analysis finished",
				"sent", summary.Sent,
				"failed", summary.Failed,
				"duration", summary.Duration,
			)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) analysisStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": s.svc.AnalysisRunning()})
}

func (s *Server) listResults(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetResults(c.Request.Context()))
}

func (s *Server) getRequestResponse(c *gin.Context) {
	rr, err := s.svc.GetRequestResponse(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, rr, err)
}

// capture ingests a request/response pair observed by an external proxy.
func (s *Server) capture(c *gin.Context) {
	var req struct {
		Request  string `json:"request" binding:"required"`
		Response string `json:"response" binding:"required"`
		IsTLS    bool   `json:"isTls"`
	}
	if !bind(c, &req) {
		return
	}

	exchange, tmpl, err := s.svc.IngestCapture(c.Request.Context(), req.Request, req.Response, req.IsTLS)
	if err != nil && exchange == nil {
		abortWithError(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"requestId": exchange.ID, "template": tmpl}, err)
}
