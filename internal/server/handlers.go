package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/neo/debatearena_backend/internal/database"
	"github.com/neo/debatearena_backend/internal/orchestrator"
	"github.com/neo/debatearena_backend/internal/types"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"replica_id":      s.config.ReplicaID,
		"active_debates":  s.orchestrator.ActiveCount(),
		"agents_local":    s.agentRouter.LocalAgentCount(),
		"spectator_rooms": s.hub.RoomCount(),
	})
}

func (s *Server) handleListDebates(c *gin.Context) {
	params := GetPaginationParams(c)
	contests, err := s.db.ListRecentContests(params.PageSize, params.CalculateOffset())
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, BuildPaginationResponse(params, contests))
}

func (s *Server) handleGetDebate(c *gin.Context) {
	id := c.Param("id")

	contest, err := s.db.GetContest(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "debate not found"})
			return
		}
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	turns, err := s.db.ListTurns(id)
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	outcomes, err := s.db.ListRoundOutcomes(id)
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"debate":   contest,
		"turns":    turns,
		"outcomes": outcomes,
	})
}

func (s *Server) handleListTopics(c *gin.Context) {
	topics, err := s.db.ListTopics()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.db.ListAgents()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleListPresets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"presets": s.presets.All()})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.matchmaker.QueueStats())
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	user := &database.User{ID: uuid.New().String(), Username: req.Username}
	if err := s.db.CreateUser(user, req.Password); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "username is taken"})
		return
	}

	token, err := s.auth.GenerateToken(user.ID, user.Username)
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user, "token": token})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	user, err := s.db.VerifyPassword(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.auth.GenerateToken(user.ID, user.Username)
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "token": token})
}

type createAgentRequest struct {
	Name string `json:"name" binding:"required"`
}

// handleCreateAgent provisions an agent with a fresh connection token.
// The token is returned exactly once, here.
func (s *Server) handleCreateAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	token := hex.EncodeToString(buf)

	agent := &database.Agent{
		ID:              uuid.New().String(),
		OwnerID:         c.GetString("user_id"),
		Name:            req.Name,
		Rating:          1500,
		Active:          true,
		ConnectionToken: token,
	}
	if err := s.db.CreateAgent(agent); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"agent": agent, "connection_token": token})
}

func (s *Server) handleForfeit(c *gin.Context) {
	id := c.Param("id")
	userID := c.GetString("user_id")

	err := s.orchestrator.Forfeit(id, userID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "forfeited"})
	case errors.Is(err, orchestrator.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "you do not own a side of this debate"})
	case errors.Is(err, orchestrator.ErrContestNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "debate is not running on this replica"})
	default:
		c.AbortWithError(http.StatusInternalServerError, err)
	}
}

type createBetRequest struct {
	Side   string `json:"side" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
}

// handleCreateBet places a stake on a side. Bets close once the final
// vote window could decide the outcome; the persistence layer enforces
// side and amount validity.
func (s *Server) handleCreateBet(c *gin.Context) {
	id := c.Param("id")

	var req createBetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side and amount are required"})
		return
	}
	side, err := types.ParseSide(req.Side)
	if err != nil || side == types.SideNone {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be pro or con"})
		return
	}

	contest, err := s.db.GetContest(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "debate not found"})
			return
		}
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if contest.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "debate is over"})
		return
	}

	bet := &database.Bet{
		ContestID: id,
		BettorID:  c.GetString("user_id"),
		Side:      side,
		Amount:    req.Amount,
	}
	betID, err := s.db.CreateBet(bet)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bet.ID = betID

	c.JSON(http.StatusCreated, gin.H{"bet": bet})
}
