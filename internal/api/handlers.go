package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/relayhub/relayhub/internal/auth"
	"github.com/relayhub/relayhub/internal/engine"
	"github.com/relayhub/relayhub/internal/storage"
)

// fail maps domain errors to HTTP responses
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, storage.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "already exists"})
	case errors.Is(err, engine.ErrInvalidCommand):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.log.WithField("path", c.FullPath()).Errorf("Request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func intParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}

// --- Auth ---

func (s *Server) register(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		DeviceID string `json:"deviceId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}

	account := &storage.Account{Username: req.Username, PasswordHash: hash, DeviceID: req.DeviceID}
	if err := s.store.CreateAccount(account); err != nil {
		s.fail(c, err)
		return
	}

	token, err := s.issueToken(account)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": account, "token": token})
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := s.store.GetAccountByUsername(req.Username)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.fail(c, err)
		return
	}
	if account == nil || !s.hasher.Verify(req.Password, account.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.issueToken(account)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "deviceId": account.DeviceID})
}

func (s *Server) issueToken(a *storage.Account) (string, error) {
	return s.tokens.Generate(auth.Claims{AccountID: a.ID, Username: a.Username, DeviceID: a.DeviceID})
}

// --- Dashboard ---

func (s *Server) getDashboard(c *gin.Context) {
	account, err := s.store.GetAccount(currentClaims(c).AccountID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, account.Dashboard)
}

func (s *Server) upsertRelay(c *gin.Context) {
	var req struct {
		Index   *int   `json:"index" binding:"required,min=0"`
		Name    string `json:"name" binding:"required"`
		Image   string `json:"image"`
		Enabled *bool  `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	relay := &storage.Relay{Channel: *req.Index, Name: req.Name, Image: req.Image, Enabled: true}
	if req.Enabled != nil {
		relay.Enabled = *req.Enabled
	}
	if err := s.store.UpsertRelay(currentClaims(c).AccountID, relay); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, relay)
}

// --- Schedules ---

func (s *Server) addSchedule(c *gin.Context) {
	channel, ok := intParam(c, "channel")
	if !ok {
		return
	}

	var req struct {
		Days      []int  `json:"days" binding:"required"`
		StartTime string `json:"startTime" binding:"required"`
		EndTime   string `json:"endTime" binding:"required"`
		Enabled   *bool  `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Days) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must not be empty"})
		return
	}
	for _, d := range req.Days {
		if d < 0 || d > 6 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 0 (Sunday) and 6 (Saturday)"})
			return
		}
	}
	if !engine.ValidClock(req.StartTime) || !engine.ValidClock(req.EndTime) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "times must be HH:MM"})
		return
	}

	schedule := &storage.Schedule{Days: req.Days, Start: req.StartTime, End: req.EndTime, Enabled: true}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}
	if err := s.store.AddSchedule(currentClaims(c).AccountID, channel, schedule); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	channel, ok := intParam(c, "channel")
	if !ok {
		return
	}
	if err := s.store.DeleteSchedule(currentClaims(c).AccountID, channel, c.Param("scheduleId")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteScheduleAt(c *gin.Context) {
	channel, ok := intParam(c, "channel")
	if !ok {
		return
	}
	position, ok := intParam(c, "position")
	if !ok {
		return
	}
	if err := s.store.DeleteScheduleAt(currentClaims(c).AccountID, channel, position); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) nextRun(c *gin.Context) {
	channel, ok := intParam(c, "channel")
	if !ok {
		return
	}

	schedule, err := s.store.GetSchedule(currentClaims(c).AccountID, channel, c.Param("scheduleId"))
	if err != nil {
		s.fail(c, err)
		return
	}

	next, err := s.controller.NextRun(schedule)
	if errors.Is(err, engine.ErrNoNextRun) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, next)
}

// --- Control ---

func (s *Server) controlRelay(c *gin.Context) {
	channel, ok := intParam(c, "channel")
	if !ok {
		return
	}

	var req struct {
		Action   string `json:"action" binding:"required"`
		Duration *int   `json:"duration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims := currentClaims(c)
	if _, err := s.store.GetRelay(claims.AccountID, channel); err != nil {
		s.fail(c, err)
		return
	}

	if err := s.controller.SendRelayCommand(claims.DeviceID, channel, req.Action, req.Duration); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"deviceId": claims.DeviceID, "relay": channel, "action": req.Action})
}

// --- Devices ---

// listDevices returns the cached live snapshot of the caller's device.
// Accounts own exactly one device, so the list holds at most one entry.
func (s *Server) listDevices(c *gin.Context) {
	devices := []engine.ConnectedDevice{}
	if d, ok := s.controller.Devices().Get(currentClaims(c).DeviceID); ok {
		devices = append(devices, d)
	}
	c.JSON(http.StatusOK, devices)
}

// deviceStatus returns the latest stored status of the caller's own device
func (s *Server) deviceStatus(c *gin.Context) {
	deviceID := c.Param("deviceId")
	if deviceID != currentClaims(c).DeviceID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	st, err := s.store.LatestDeviceStatus(deviceID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) purgeStatus(c *gin.Context) {
	cutoff := s.now().Add(-s.config.StatusRetention)
	n, err := s.store.PurgeDeviceStatus(cutoff)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.log.Infof("Purged %d device status records older than %s", n, cutoff.Format("2006-01-02 15:04:05"))
	c.JSON(http.StatusOK, gin.H{"deleted": n, "cutoff": cutoff})
}
