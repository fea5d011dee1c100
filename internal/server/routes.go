package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parley/internal/broadcast"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/store"
	"github.com/zulandar/parley/internal/turns"
	"go.uber.org/zap"
)

func registerRoutes(router *gin.Engine, h *handlers, opts Opts) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	api := router.Group("/api")
	api.GET("/rooms", h.listRooms)
	api.POST("/rooms", h.createRoom)
	api.GET("/rooms/:id", h.getRoom)
	api.POST("/rooms/:id/responders", h.attachResponder)
	api.POST("/rooms/:id/messages", h.postMessage)
	api.POST("/rooms/:id/stop", h.stop)
	api.POST("/rooms/:id/resume", h.resume)
	api.GET("/rooms/:id/next-turn", h.nextTurn)
	api.GET("/rooms/:id/events", broadcast.SSEHandler(opts.Hub, opts.Heartbeat))
	if opts.Gateway != nil {
		gw := opts.Gateway
		api.GET("/rooms/:id/ws", func(c *gin.Context) {
			user := identity(c)
			if user == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "user identity is required"})
				return
			}
			gw.Serve(c.Writer, c.Request, c.Param("id"), user)
		})
	}

	api.GET("/responders", h.listResponders)
	api.POST("/responders", h.createResponder)
	api.PUT("/credentials/:user", h.putCredential)
}

type handlers struct {
	admin  Admin
	ctrl   broadcast.Controller
	models ModelPolicy
	log    *zap.Logger
}

// identity returns the caller's user ID, or "".
func identity(c *gin.Context) string {
	if u := strings.TrimSpace(c.GetHeader(UserHeader)); u != "" {
		return u
	}
	return strings.TrimSpace(c.Query("user"))
}

// requireUser aborts with 401 when the caller is anonymous.
func requireUser(c *gin.Context) (string, bool) {
	user := identity(c)
	if user == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user identity is required"})
		return "", false
	}
	return user, true
}

// fail maps domain errors onto HTTP statuses.
func (h *handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrRoomNotFound), errors.Is(err, store.ErrResponderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalid), errors.Is(err, turns.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, turns.ErrNotStopped), errors.Is(err, turns.ErrLoopDraining):
		status = http.StatusConflict
	case errors.Is(err, turns.ErrForbidden):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		h.log.Error("handler", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type roomView struct {
	ID                  string               `json:"id"`
	Name                string               `json:"name"`
	Topic               string               `json:"topic"`
	Status              models.RoomStatus    `json:"status"`
	Generating          bool                 `json:"generating"`
	TurnIntervalSeconds int                  `json:"turnIntervalSeconds"`
	MaxResponderTurns   *int                 `json:"maxResponderTurns,omitempty"`
	ResponderTurnCount  int                  `json:"responderTurnCount"`
	SentenceCount       *int                 `json:"sentenceCount,omitempty"`
	NextTurnAt          *int64               `json:"nextTurnAt,omitempty"`
	CreatorID           string               `json:"creatorId,omitempty"`
	Responders          []responderView      `json:"responders,omitempty"`
	Messages            []*broadcast.Message `json:"messages,omitempty"`
}

type responderView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Provider    models.Provider `json:"provider"`
	Model       string          `json:"model"`
	Personality string          `json:"personality"`
}

func newRoomView(r *models.Room, withTranscript bool) roomView {
	v := roomView{
		ID:                  r.ID,
		Name:                r.Name,
		Topic:               r.Topic,
		Status:              r.Status,
		Generating:          r.Generating,
		TurnIntervalSeconds: r.TurnIntervalSeconds,
		MaxResponderTurns:   r.MaxResponderTurns,
		ResponderTurnCount:  r.ResponderTurnCount,
		SentenceCount:       r.SentenceCount,
		CreatorID:           r.CreatorID,
		NextTurnAt:          millis(r.NextTurnAt),
	}
	for _, resp := range r.Responders {
		v.Responders = append(v.Responders, newResponderView(resp))
	}
	if withTranscript {
		for _, m := range r.Messages {
			v.Messages = append(v.Messages, broadcast.NewMessage(m))
		}
	}
	return v
}

func newResponderView(r models.Responder) responderView {
	return responderView{ID: r.ID, Name: r.Name, Provider: r.Provider, Model: r.Model, Personality: r.Personality}
}

func millis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

type createRoomRequest struct {
	Name                string   `json:"name" binding:"required"`
	Topic               string   `json:"topic" binding:"required"`
	TurnIntervalSeconds int      `json:"turnIntervalSeconds"`
	MaxResponderTurns   *int     `json:"maxResponderTurns"`
	SentenceCount       *int     `json:"sentenceCount"`
	ResponderIDs        []string `json:"responderIds"`
}

func (h *handlers) createRoom(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room := &models.Room{
		Name:                req.Name,
		Topic:               req.Topic,
		TurnIntervalSeconds: req.TurnIntervalSeconds,
		MaxResponderTurns:   req.MaxResponderTurns,
		SentenceCount:       req.SentenceCount,
		CreatorID:           user,
	}
	if err := h.admin.CreateRoom(c.Request.Context(), room, req.ResponderIDs); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newRoomView(room, false))
}

func (h *handlers) listRooms(c *gin.Context) {
	rooms, err := h.admin.ListRooms(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]roomView, 0, len(rooms))
	for i := range rooms {
		out = append(out, newRoomView(&rooms[i], false))
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) getRoom(c *gin.Context) {
	room, err := h.admin.LoadRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newRoomView(room, true))
}

type attachRequest struct {
	ResponderID string `json:"responderId" binding:"required"`
}

func (h *handlers) attachResponder(c *gin.Context) {
	var req attachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.admin.AttachResponder(c.Request.Context(), c.Param("id"), req.ResponderID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type messageRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h *handlers) postMessage(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := h.ctrl.HumanMessage(c.Request.Context(), c.Param("id"), user, req.Text, "http")
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, broadcast.NewMessage(msg))
}

func (h *handlers) stop(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	if err := h.ctrl.Stop(c.Request.Context(), c.Param("id"), user); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) resume(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	if err := h.ctrl.Resume(c.Request.Context(), c.Param("id"), user); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) nextTurn(c *gin.Context) {
	at, err := h.ctrl.NextTurnAt(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nextTurnAt": millis(at)})
}

type responderRequest struct {
	Name        string          `json:"name" binding:"required"`
	Provider    models.Provider `json:"provider" binding:"required"`
	Model       string          `json:"model" binding:"required"`
	Personality string          `json:"personality" binding:"required"`
}

func (h *handlers) createResponder(c *gin.Context) {
	var req responderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.models != nil && req.Provider.Valid() && !h.models.AllowsModel(req.Provider, req.Model) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model " + req.Model + " is not enabled for " + string(req.Provider)})
		return
	}
	r := &models.Responder{Name: req.Name, Provider: req.Provider, Model: req.Model, Personality: req.Personality}
	if err := h.admin.CreateResponder(c.Request.Context(), r); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newResponderView(*r))
}

func (h *handlers) listResponders(c *gin.Context) {
	rs, err := h.admin.ListResponders(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]responderView, 0, len(rs))
	for _, r := range rs {
		out = append(out, newResponderView(r))
	}
	c.JSON(http.StatusOK, out)
}

type credentialRequest struct {
	OpenAIKey    string `json:"openaiKey"`
	AnthropicKey string `json:"anthropicKey"`
}

// putCredential stores the caller's own provider keys.
func (h *handlers) putCredential(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	if user != c.Param("user") {
		c.JSON(http.StatusForbidden, gin.H{"error": "credentials can only be set for yourself"})
		return
	}
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cred := models.Credential{UserID: user, OpenAIKey: strings.TrimSpace(req.OpenAIKey), AnthropicKey: strings.TrimSpace(req.AnthropicKey)}
	if err := h.admin.SetCredential(c.Request.Context(), cred); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
