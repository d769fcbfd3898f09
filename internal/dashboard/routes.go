package dashboard

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/beamyard/internal/beam"
	"github.com/zulandar/beamyard/internal/gather"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/scatter"
	"go.uber.org/zap"
)

// registerRoutes sets up all API routes on the given router.
func registerRoutes(router *gin.Engine, s *server) {
	api := router.Group("/api")
	api.GET("/events", s.handleEvents)

	b := api.Group("/beam")
	b.GET("", s.handleState)
	b.POST("/open", s.handleOpen)
	b.POST("/close", s.handleClose)

	b.PUT("/rays/count", s.handleRayCount)
	b.POST("/rays/start", s.handleStartAll)
	b.POST("/rays/stop", s.handleStopAll)
	b.POST("/rays/import", s.handleImport)
	b.POST("/rays/:id/start", s.handleStartRay)
	b.POST("/rays/:id/stop", s.handleStopRay)
	b.POST("/rays/:id/select", s.handleSelectRay)
	b.POST("/rays/:id/accept", s.handleAcceptRay)
	b.PUT("/rays/:id/model", s.handleRayModel)
	b.DELETE("/rays/:id", s.handleRemoveRay)

	b.PUT("/gather/model", s.handleGatherModel)
	b.PUT("/fusions/current", s.handleSetCurrent)
	b.POST("/fusions/current/start", s.handleStartCurrent)
	b.POST("/fusions/current/stop", s.handleStopCurrent)
	b.POST("/fusions/:id/start", s.handleStartFusion)
	b.POST("/fusions/:id/stop", s.handleStopFusion)
	b.POST("/fusions/:id/custom", s.handleCustom)
	b.PATCH("/fusions/:id/instructions/:index", s.handleEditInstruction)
	b.POST("/fusions/:id/checklist", s.handleChecklist)
	b.POST("/fusions/:id/accept", s.handleAcceptFusion)
}

type historyMessage struct {
	Role llm.Role `json:"role" binding:"required,oneof=system user assistant"`
	Text string   `json:"text"`
}

func toMessages(in []historyMessage) []llm.Message {
	out := make([]llm.Message, 0, len(in))
	for _, m := range in {
		out = append(out, llm.NewMessage(m.Role, m.Text))
	}
	return out
}

type openRequest struct {
	History []historyMessage `json:"history" binding:"required,min=1,dive"`
	Model   string           `json:"model"`
}

type countRequest struct {
	Count int `json:"count" binding:"required,min=1"`
}

type importRequest struct {
	Messages []string `json:"messages" binding:"required"`
}

type modelRequest struct {
	Model string `json:"model" binding:"required"`
}

type currentRequest struct {
	ID string `json:"id" binding:"required"`
}

type checklistRequest struct {
	Selected []int `json:"selected" binding:"required"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scatter.ErrNotFound), errors.Is(err, gather.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, beam.ErrNotOpen), errors.Is(err, beam.ErrNotReady),
		errors.Is(err, gather.ErrNotEditable), errors.Is(err, gather.ErrNoCurrent),
		errors.Is(err, gather.ErrNoPending):
		return http.StatusConflict
	case errors.Is(err, beam.ErrInvalidHistory), errors.Is(err, gather.ErrInvalidEdit),
		errors.Is(err, gather.ErrOutOfRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.State())
}

func (s *server) handleOpen(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.store.Open(toMessages(req.History), req.Model, nil); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.store.State())
}

func (s *server) handleClose(c *gin.Context) {
	s.store.Close()
	c.Status(http.StatusNoContent)
}

func (s *server) handleRayCount(c *gin.Context) {
	var req countRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.store.SetRayCount(req.Count)
	c.JSON(http.StatusOK, s.store.State().Scatter)
}

func (s *server) handleStartAll(c *gin.Context) {
	if err := s.store.StartAll(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.store.State().Scatter)
}

func (s *server) handleStopAll(c *gin.Context) {
	s.store.StopAll()
	c.JSON(http.StatusOK, s.store.State().Scatter)
}

func (s *server) handleImport(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msgs := make([]llm.Message, 0, len(req.Messages))
	for _, text := range req.Messages {
		msgs = append(msgs, llm.NewMessage(llm.RoleAssistant, text))
	}
	s.store.ImportRays(msgs)
	c.JSON(http.StatusOK, s.store.State().Scatter)
}

func (s *server) handleStartRay(c *gin.Context) {
	ray, err := s.store.StartRay(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ray)
}

func (s *server) handleStopRay(c *gin.Context) {
	if err := s.store.StopRay(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleSelectRay(c *gin.Context) {
	if err := s.store.ToggleRaySelected(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.store.State().Scatter)
}

func (s *server) handleAcceptRay(c *gin.Context) {
	a, err := s.store.AcceptRay(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *server) handleRayModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.store.SetRayModel(c.Param("id"), req.Model); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleRemoveRay(c *gin.Context) {
	if err := s.store.RemoveRay(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleGatherModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.store.SetGatherModel(req.Model)
	c.Status(http.StatusNoContent)
}

func (s *server) handleSetCurrent(c *gin.Context) {
	var req currentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.store.SetCurrentFusion(req.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.store.State().Gather)
}

func (s *server) handleStartCurrent(c *gin.Context) {
	f, err := s.store.StartCurrentFusion()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, f)
}

func (s *server) handleStopCurrent(c *gin.Context) {
	if err := s.store.StopCurrentFusion(); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleStartFusion(c *gin.Context) {
	f, err := s.store.StartFusion(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, f)
}

func (s *server) handleStopFusion(c *gin.Context) {
	if err := s.store.StopFusion(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleCustom(c *gin.Context) {
	f, err := s.store.RecreateAsCustom(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *server) handleEditInstruction(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, err)
		return
	}
	var edit gather.InstructionEdit
	if err := c.ShouldBindJSON(&edit); err != nil {
		badRequest(c, err)
		return
	}
	f, err := s.store.EditInstruction(c.Param("id"), index, edit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *server) handleChecklist(c *gin.Context) {
	var req checklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.store.ResolveChecklist(c.Param("id"), req.Selected); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleAcceptFusion(c *gin.Context) {
	a, err := s.store.AcceptFusion(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}
