package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/antigravity/codex-proxy/internal/accounts"
	"github.com/antigravity/codex-proxy/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ==================== 账号管理 ====================

func (s *Server) listAccounts(c *gin.Context) {
	c.JSON(200, gin.H{"accounts": s.deps.Pool.List()})
}

func (s *Server) indexParam(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(400, gin.H{"error": "Invalid account index"})
		return 0, false
	}
	return index, true
}

// accountError maps pool errors to responses
func (s *Server) accountError(c *gin.Context, err error) {
	if errors.Is(err, accounts.ErrIndexOutOfRange) {
		c.JSON(404, gin.H{"error": err.Error()})
		return
	}
	s.logger.Error("Account operation failed", zap.Error(err))
	c.JSON(500, gin.H{"error": err.Error()})
}

func (s *Server) switchAccount(c *gin.Context) {
	index, ok := s.indexParam(c)
	if !ok {
		return
	}
	if _, err := s.deps.Pool.Get(index); err != nil {
		s.accountError(c, err)
		return
	}
	active, err := s.deps.Pool.SetActiveIndex(index)
	if err != nil {
		s.accountError(c, err)
		return
	}
	s.logger.Info("Active account switched", zap.Int("account", active))
	c.JSON(200, gin.H{"success": true, "activeIndex": active})
}

func (s *Server) updateAccount(c *gin.Context) {
	index, ok := s.indexParam(c)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool     `json:"enabled"`
		Tags    *[]string `json:"tags"`
		Note    *string   `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request"})
		return
	}
	pool := s.deps.Pool
	var err error
	if req.Enabled != nil {
		_, err = pool.SetEnabled(index, *req.Enabled)
	}
	if err == nil && req.Tags != nil {
		_, err = pool.SetTags(index, *req.Tags)
	}
	if err == nil && req.Note != nil {
		_, err = pool.SetNote(index, *req.Note)
	}
	if err != nil {
		s.accountError(c, err)
		return
	}
	views := pool.List()
	if index >= len(views) {
		s.accountError(c, accounts.ErrIndexOutOfRange)
		return
	}
	c.JSON(200, gin.H{"success": true, "account": views[index]})
}

func (s *Server) removeAccount(c *gin.Context) {
	index, ok := s.indexParam(c)
	if !ok {
		return
	}
	acc, err := s.deps.Pool.RemoveAccount(index)
	if err != nil {
		s.accountError(c, err)
		return
	}
	s.logger.Info("Account removed", zap.Int("account", index), zap.String("email", acc.Email))
	c.JSON(200, gin.H{"success": true, "removed": acc.Email})
}

func (s *Server) refreshAccount(c *gin.Context) {
	index, ok := s.indexParam(c)
	if !ok {
		return
	}
	res, err := s.deps.Pool.RefreshAccount(c.Request.Context(), index, s.deps.Refresher)
	if err != nil {
		if errors.Is(err, accounts.ErrIndexOutOfRange) {
			s.accountError(c, err)
			return
		}
		c.JSON(502, gin.H{"error": err.Error(), "reason": res.Reason, "flagged": res.IsInvalidGrant()})
		return
	}
	c.JSON(200, gin.H{"success": true, "expires": time.UnixMilli(res.Expires).UTC()})
}

func (s *Server) listFlagged(c *gin.Context) {
	flagged, err := s.deps.Pool.Flagged(c.Request.Context())
	if err != nil {
		s.accountError(c, err)
		return
	}
	out := make([]gin.H, len(flagged))
	for i, f := range flagged {
		out[i] = gin.H{
			"index":     i,
			"email":     f.Email,
			"accountId": f.AccountID,
			"reason":    f.FlaggedReason,
			"flaggedAt": f.FlaggedAt,
			"lastError": f.LastError,
		}
	}
	c.JSON(200, gin.H{"flagged": out})
}

func (s *Server) restoreFlagged(c *gin.Context) {
	index, ok := s.indexParam(c)
	if !ok {
		return
	}
	acc, err := s.deps.Pool.RestoreFlagged(c.Request.Context(), index)
	if err != nil {
		s.accountError(c, err)
		return
	}
	c.JSON(200, gin.H{"success": true, "restored": acc.Email})
}

// ==================== 状态与统计 ====================

func (s *Server) status(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	last, switches := s.selections.snapshot()

	c.JSON(200, gin.H{
		"version":       s.deps.Version,
		"uptime":        s.deps.Clock.Now().Sub(s.started).Round(time.Second).String(),
		"memoryAlloc":   mem.Alloc,
		"goroutines":    runtime.NumGoroutine(),
		"pool":          s.deps.Pool.Status(),
		"lastSelection": last,
		"switches":      switches,
	})
}

func (s *Server) accountHealth(c *gin.Context) {
	c.JSON(200, gin.H{"accounts": s.deps.Pool.Health()})
}

func (s *Server) metrics(c *gin.Context) {
	if s.deps.Usage == nil {
		c.JSON(200, gin.H{"accounts": []any{}})
		return
	}
	views, err := s.deps.Pool.Metrics(s.deps.Usage)
	if err != nil {
		s.accountError(c, err)
		return
	}
	c.JSON(200, gin.H{"accounts": views})
}

func (s *Server) recentUsage(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if s.deps.Usage == nil {
		c.JSON(200, gin.H{"records": []any{}})
		return
	}
	records, err := s.deps.Usage.Recent(limit)
	if err != nil {
		s.accountError(c, err)
		return
	}
	c.JSON(200, gin.H{"records": records})
}

// ==================== 导入导出 ====================

func (s *Server) exportAccounts(c *gin.Context) {
	c.Header("Content-Disposition", `attachment; filename="codex-accounts-export.json"`)
	c.JSON(200, s.deps.Pool.Snapshot())
}

func (s *Server) importAccounts(c *gin.Context) {
	mode, err := storage.ParseBackupMode(c.Query("backupMode"))
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil || len(data) == 0 {
		c.JSON(400, gin.H{"error": "Request body must be an exported accounts file"})
		return
	}

	// Import 读取文件，先落到临时文件
	tmp, err := os.CreateTemp("", "codex-import-*.json")
	if err != nil {
		s.accountError(c, err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.accountError(c, err)
		return
	}
	tmp.Close()

	res, err := s.deps.Pool.Import(c.Request.Context(), s.deps.Files, tmp.Name(), mode)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "result": res})
		return
	}
	s.logger.Info("Accounts imported", zap.Int("added", res.Added), zap.Int("total", res.Total))
	c.JSON(200, res)
}

// ==================== 日志 ====================

func (s *Server) getLogs(c *gin.Context) {
	if s.deps.Logs == nil {
		c.JSON(200, gin.H{"logs": []any{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	c.JSON(200, gin.H{"logs": s.deps.Logs.GetRecent(limit)})
}

func (s *Server) clearLogs(c *gin.Context) {
	if s.deps.Logs != nil {
		s.deps.Logs.Clear()
	}
	c.JSON(200, gin.H{"success": true})
}
