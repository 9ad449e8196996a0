package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-avatar/avatar"
	"github.com/becomeliminal/nim-avatar/chat"
	"github.com/becomeliminal/nim-avatar/core"
	"github.com/becomeliminal/nim-avatar/richtext"
)

type stateResponse struct {
	UserID   string            `json:"userId"`
	IsActive bool              `json:"isActive"`
	State    *core.AvatarState `json:"state"`
}

type activationResponse struct {
	Success  bool              `json:"success"`
	IsActive bool              `json:"isActive"`
	State    *core.AvatarState `json:"state"`
}

type profileRequest struct {
	PersonalityProfile string `json:"personalityProfile" binding:"required"`
}

type messageRequest struct {
	ConversationID string `json:"conversationId"`
	ChannelID      string `json:"channelId"`
	WorkspaceID    string `json:"workspaceId" binding:"required"`
	MemberID       string `json:"memberId" binding:"required"`
	Body           string `json:"body" binding:"required"`

	// AI stores the message as avatar-authored.
	AI bool `json:"ai"`
}

type editRequest struct {
	Body string `json:"body" binding:"required"`
}

type messageResponse struct {
	Message *core.Message `json:"message"`
	Avatar  *core.Result  `json:"avatar,omitempty"`
}

func (s *Server) activate(c *gin.Context) {
	st, err := s.deps.Store.Activate(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("avatar activated", zap.String("user_id", st.UserID))
	c.JSON(http.StatusOK, activationResponse{Success: true, IsActive: st.IsActive, State: st})
}

func (s *Server) deactivate(c *gin.Context) {
	st, err := s.deps.Store.Deactivate(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("avatar deactivated", zap.String("user_id", st.UserID))
	c.JSON(http.StatusOK, activationResponse{Success: true, IsActive: st.IsActive, State: st})
}

func (s *Server) getState(c *gin.Context) {
	userID := c.Param("userId")
	st, err := s.deps.Store.Get(c.Request.Context(), userID)
	if err != nil && !errors.Is(err, avatar.ErrNotFound) {
		s.fail(c, err)
		return
	}
	resp := stateResponse{UserID: userID, State: st}
	if st != nil {
		resp.IsActive = st.IsActive
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) setProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Pipeline.SetProfile(c.Request.Context(), c.Param("userId"), req.PersonalityProfile); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) regenerateProfile(c *gin.Context) {
	profile, err := s.deps.Pipeline.UpdateProfile(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"personalityProfile": profile})
}

func (s *Server) handle(c *gin.Context) {
	var in core.HandleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.deps.Pipeline.Handle(c.Request.Context(), in))
}

func (s *Server) testResponse(c *gin.Context) {
	var in core.HandleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.deps.Pipeline.TestResponse(c.Request.Context(), in))
}

func (s *Server) setup(c *gin.Context) {
	st, err := avatar.SetupStatus(c.Request.Context(), s.deps.Capabilities, s.deps.Store, c.Query("userId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m := core.NewMessage{
		ConversationID: req.ConversationID,
		ChannelID:      req.ChannelID,
		WorkspaceID:    req.WorkspaceID,
		MemberID:       req.MemberID,
		Body:           req.Body,
	}

	if req.AI {
		msg, err := s.deps.Chat.SendAIMessage(c.Request.Context(), m)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, messageResponse{Message: msg})
		return
	}

	msg, res, err := s.deps.Chat.SendMessage(c.Request.Context(), m)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, messageResponse{Message: msg, Avatar: &res})
}

func (s *Server) editMessage(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := s.deps.Chat.EditMessage(c.Request.Context(), c.Param("id"), req.Body)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: msg})
}

func (s *Server) deleteMessage(c *gin.Context) {
	if err := s.deps.Chat.DeleteMessage(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	k, _ := strconv.Atoi(c.DefaultQuery("k", "5"))

	matches, err := s.deps.Search.Search(c.Request.Context(), query, c.Param("id"), k)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

func (s *Server) richtextSample(c *gin.Context) {
	body := richtext.Wrap(richtext.SampleText)
	c.JSON(http.StatusOK, gin.H{
		"body":  body,
		"valid": richtext.IsDocument(body),
	})
}

// fail maps domain errors to status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, avatar.ErrNotFound), errors.Is(err, chat.ErrNotFound):
		status = http.StatusNotFound
	default:
		s.logger.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
