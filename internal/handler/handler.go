package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/model"
	"rollcall/internal/scanport"
)

// liveKeepAlive is how often an idle live stream sends a comment line.
const liveKeepAlive = 15 * time.Second

type Handler struct {
	svc   *attendance.Service
	desks *attendance.Desks
	log   *zap.Logger

	// Checks feed /healthz, keyed by dependency name.
	Checks map[string]func(ctx context.Context) bool
}

func New(svc *attendance.Service, desks *attendance.Desks, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, desks: desks, log: log}
}

// Register mounts the authenticated routes on g.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/students", h.CreateStudent)
	g.GET("/students", h.ListStudents)
	g.DELETE("/students/:id", h.DeleteStudent)

	g.POST("/sessions", h.CreateSession)
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/:id", h.GetSession)
	g.PATCH("/sessions/:id/status", h.UpdateSessionStatus)
	g.DELETE("/sessions/:id", h.DeleteSession)
	g.GET("/sessions/:id/summary", h.SessionSummary)

	g.GET("/analytics", h.Analytics)

	g.POST("/desks", h.OpenDesk)
	g.DELETE("/desks/:id", h.CloseDesk)
	g.POST("/desks/:id/scans", h.SubmitCode)
	g.POST("/desks/:id/keys", h.Keys)
	g.PUT("/desks/:id/focus", h.Focus)
	g.GET("/desks/:id/present", h.Present)
	g.GET("/desks/:id/absent", h.Absent)
	g.GET("/desks/:id/summary", h.DeskSummary)
	g.DELETE("/desks/:id/records/:recordID", h.Unmark)
	g.GET("/desks/:id/live", h.Live)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok", "desks": h.desks.Len()}
	status := http.StatusOK
	for name, check := range h.Checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// fail maps domain errors to HTTP responses.
func (h *Handler) fail(c *gin.Context, err error) {
	var ve *attendance.ValidationError
	var pe *attendance.PersistenceError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrSessionNotFound),
		errors.Is(err, attendance.ErrStudentNotFound),
		errors.Is(err, attendance.ErrRecordNotFound),
		errors.Is(err, attendance.ErrDeskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrInvalidTransition),
		errors.Is(err, attendance.ErrSessionClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &pe):
		h.log.Error("store call failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attendance store unavailable"})
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// ---------- Students ----------

func (h *Handler) CreateStudent(c *gin.Context) {
	var req attendance.NewStudent
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := h.svc.CreateStudent(c.Request.Context(), auth.Account(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *Handler) ListStudents(c *gin.Context) {
	students, err := h.svc.ListStudents(c.Request.Context(), auth.Account(c), c.Query("academic_year"), c.Query("batch_year"), c.Query("q"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

func (h *Handler) DeleteStudent(c *gin.Context) {
	if err := h.svc.DeleteStudent(c.Request.Context(), auth.Account(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------- Sessions ----------

func (h *Handler) CreateSession(c *gin.Context) {
	var req attendance.NewSession
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := h.svc.CreateSession(c.Request.Context(), auth.Account(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.svc.ListSessions(c.Request.Context(), auth.Account(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.svc.GetSession(c.Request.Context(), auth.Account(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type statusRequest struct {
	Status model.SessionStatus `json:"status" binding:"required"`
}

func (h *Handler) UpdateSessionStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := h.svc.Transition(c.Request.Context(), auth.Account(c), c.Param("id"), req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.svc.DeleteSession(c.Request.Context(), auth.Account(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) SessionSummary(c *gin.Context) {
	sum, err := h.svc.SessionSummary(c.Request.Context(), auth.Account(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// ---------- Analytics ----------

func (h *Handler) Analytics(c *gin.Context) {
	ov, err := h.svc.Overview(c.Request.Context(), auth.Account(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

// ---------- Desks ----------

// desk loads the caller's desk and counts the request as activity.
func (h *Handler) desk(c *gin.Context) (*attendance.Desk, bool) {
	d, err := h.desks.Get(auth.Account(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	d.Touch()
	return d, true
}

type deskView struct {
	ID       string               `json:"desk_id"`
	Opened   time.Time            `json:"opened_at"`
	Snapshot *attendance.Snapshot `json:"view"`
}

type openDeskRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// OpenDesk starts a session view for the caller.
func (h *Handler) OpenDesk(c *gin.Context) {
	var req openDeskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.desks.Open(c.Request.Context(), auth.Account(c), req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("desk opened",
		zap.String("desk_id", d.ID),
		zap.String("session_id", d.SessionID),
		zap.String("account", d.Account))
	c.JSON(http.StatusCreated, deskView{ID: d.ID, Opened: d.OpenedAt, Snapshot: d.Tracker.Snapshot()})
}

func (h *Handler) CloseDesk(c *gin.Context) {
	if err := h.desks.Close(auth.Account(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type scanRequest struct {
	Code   string           `json:"code" binding:"required"`
	Method model.ScanMethod `json:"method"`
}

// SubmitCode records a typed or externally captured code. Outcomes such as
// not_found or duplicate are normal results, not HTTP errors.
func (h *Handler) SubmitCode(c *gin.Context) {
	d, ok := h.desk(c)
	if !ok {
		return
	}
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Method == "" {
		req.Method = model.MethodManual
	}
	res := d.Tracker.SubmitCode(c.Request.Context(), req.Code, req.Method)
	c.JSON(http.StatusOK, res)
}

type keysRequest struct {
	Keys []scanport.KeyEvent `json:"keys"`
	// Text is shorthand for one key event per character.
	Text string `json:"text"`
}

// Keys feeds raw key events into the desk's scan port. Codes terminated by
// Enter are processed before the response is written.
func (h *Handler) Keys(c *gin.Context) {
	d, ok := h.desk(c)
	if !ok {
		return
	}
	var req keysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	events := append(scanport.Keys(req.Text), req.Keys...)
	d.Port.HandleAll(events)

	body := gin.H{"accepted": len(events), "scanning": d.Port.Scanning(), "manual_focus": d.Port.ManualFocus()}
	if s := d.Tracker.Snapshot(); s != nil && s.Last != nil {
		body["last"] = s.Last
	}
	c.JSON(http.StatusAccepted, body)
}

type focusRequest struct {
	Manual *bool `json:"manual" binding:"required"`
}

// Focus tells the scan port whether the manual-entry field has focus.
func (h *Handler) Focus(c *gin.Context) {
	d, ok := h.desk(c)
	if !ok {
		return
	}
	var req focusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d.Port.SetManualFocus(*req.Manual)
	c.JSON(http.StatusOK, gin.H{"manual_focus": d.Port.ManualFocus()})
}

func (h *Handler) Present(c *gin.Context) {
	d, ok := h.desk(c)
	if !ok {
		return
	}
	present := d.Tracker.Present()
	c.JSON(http.StatusOK, gin.H{"present": present, "count": len(present)})
}

func (h *Handler) Absent(c *gin.Context) {
	d, ok := h.desk(c)
	if !ok {
		return
	}
	absent := d.Tracker.Absent()
	c.JSON(http.StatusOK, gin.H{"absent": absent, "count": len(absent)})
}

func (h *Handler) DeskSummary(c *gin.Context) {
	d, ok := h.desk(c)
	if !ok {
		return
	}
	s := d.Tracker.Snapshot()
	if s == nil {
		h.fail(c, attendance.ErrDeskNotFound)
		return
	}
	c.JSON(http.StatusOK, attendance.Summarize(s.Session, s.Present, d.Tracker.Roster()))
}

func (h *Handler) Unmark(c *gin.Context) {
	d, ok := h.desk(c)
	if !ok {
		return
	}
	if err := d.Tracker.Unmark(c.Request.Context(), c.Param("recordID")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Live streams the desk's view as server-sent events: one "snapshot" event
// now and one after every change, until the client goes away or the desk
// closes.
func (h *Handler) Live(c *gin.Context) {
	d, ok := h.desk(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	keepAlive := time.NewTicker(liveKeepAlive)
	defer keepAlive.Stop()

	var sent uint64
	for {
		changed := d.Tracker.Changed()
		snap := d.Tracker.Snapshot()
		if snap == nil || changed == nil {
			c.SSEvent("closed", gin.H{"desk_id": d.ID})
			c.Writer.Flush()
			return
		}
		if snap.Version != sent {
			c.SSEvent("snapshot", snap)
			c.Writer.Flush()
			sent = snap.Version
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
			d.Touch()
		case <-keepAlive.C:
			d.Touch()
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
