package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/antigravity/codex-proxy/internal/proxy"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxRequestBody = 32 << 20

// responses proxies one Responses API call through the pipeline
func (s *Server) responses(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "read_failed", "Failed to read request body")
		return
	}
	if len(body) > maxRequestBody {
		writeError(c, http.StatusRequestEntityTooLarge, "invalid_request_error", "request_too_large", "Request body too large")
		return
	}

	resp, err := s.deps.Pipeline.Do(c.Request.Context(), &proxy.Request{
		ID:     c.GetString(requestIDKey),
		URL:    c.Request.URL,
		Header: c.Request.Header.Clone(),
		Body:   body,
	})
	if err != nil {
		if ue, ok := proxy.AsUpstreamError(err); ok {
			for k, vv := range ue.Header {
				for _, v := range vv {
					c.Writer.Header().Add(k, v)
				}
			}
			c.Data(ue.Status, "application/json", ue.Body())
			return
		}
		if errors.Is(err, context.Canceled) {
			// 调用方已断开
			c.Status(499)
			return
		}
		s.logger.Error("Proxy request failed", zap.String("request_id", c.GetString(requestIDKey)), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "server_error", "internal_error", err.Error())
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.Status)

	if !resp.Stream {
		if _, err := io.Copy(c.Writer, resp.Body); err != nil {
			s.logger.Warn("Failed to write response", zap.Error(err))
		}
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if rerr != nil {
			if rerr != io.EOF {
				s.logger.Warn("Upstream stream ended with error",
					zap.String("request_id", c.GetString(requestIDKey)),
					zap.Int("account", resp.AccountIndex),
					zap.Error(rerr))
			}
			return
		}
	}
}

func writeError(c *gin.Context, status int, typ, code, msg string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": msg,
			"type":    typ,
			"code":    code,
		},
	})
}
