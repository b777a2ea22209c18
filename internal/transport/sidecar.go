package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/auth"
	"github.com/stratonas/middled/internal/common/config"
	"github.com/stratonas/middled/internal/jobs"
	"github.com/stratonas/middled/pkg/metrics"
)

// UploadSubmitter starts an upload-consuming job on behalf of the sidecar.
// The dispatcher implements it.
type UploadSubmitter interface {
	SubmitUpload(identity, method string, params []any, input io.ReadCloser) (int64, error)
}

// Sidecar is the plain-HTTP companion listener: multipart upload into jobs,
// streaming download out of jobs, and the metrics endpoint. Byte streams
// never ride the framed websocket protocol.
type Sidecar struct {
	cfg       config.TransportConfig
	logger    *zap.Logger
	tokens    *auth.TokenStore
	jobs      *jobs.Manager
	submitter UploadSubmitter
	metrics   *metrics.Metrics

	srv *http.Server
}

// NewSidecar wires the sidecar; nothing binds until Start.
func NewSidecar(logger *zap.Logger, cfg config.TransportConfig, tokens *auth.TokenStore, mgr *jobs.Manager, submitter UploadSubmitter, m *metrics.Metrics) *Sidecar {
	return &Sidecar{
		cfg:       cfg,
		logger:    logger.Named("sidecar"),
		tokens:    tokens,
		jobs:      mgr,
		submitter: submitter,
		metrics:   m,
	}
}

func (s *Sidecar) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/_upload/", s.handleUpload)
	r.GET("/_download/:job_id", s.handleDownload)
	r.GET("/metrics", s.metrics.Handler())
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

// Start binds the sidecar listener.
func (s *Sidecar) Start() error {
	gin.SetMode(gin.ReleaseMode)
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.SidecarPort),
		Handler: s.routes(),
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("sidecar listener failed", zap.Error(err))
		}
	}()
	s.logger.Info("sidecar listening", zap.Int("port", s.cfg.SidecarPort))
	return nil
}

// uploadData is the JSON "data" part of an upload request.
type uploadData struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

func (s *Sidecar) handleUpload(c *gin.Context) {
	claims, ok := s.redeemHeader(c.GetHeader("Authorization"))
	if !ok || claims.Path != "upload" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	reader, err := c.Request.MultipartReader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart body required"})
		return
	}

	// The data part must precede the file part so the job can be created
	// before the payload starts streaming.
	part, err := reader.NextPart()
	if err != nil || part.FormName() != "data" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "first part must be named data"})
		return
	}
	var data uploadData
	if err := json.NewDecoder(part).Decode(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed data part"})
		return
	}
	if data.Method == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "method is required"})
		return
	}

	file, err := reader.NextPart()
	if err != nil || file.FormName() != "file" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "second part must be named file"})
		return
	}

	jobID, err := s.submitter.SubmitUpload(claims.Identity, data.Method, data.Params, io.NopCloser(file))
	if err != nil {
		s.logger.Warn("upload submit rejected",
			zap.String("method", data.Method), zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	// The handler consumes the stream; block until the job drains it so
	// the multipart reader stays valid.
	job, err := s.jobs.Get(jobID)
	if err == nil {
		<-job.Done()
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}

func (s *Sidecar) handleDownload(c *gin.Context) {
	jobID, err := strconv.ParseInt(c.Param("job_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed job id"})
		return
	}

	claims, ok := s.tokens.Redeem(c.Query("auth_token"))
	if !ok || claims.Path != "download" || claims.JobID != jobID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	job, err := s.jobs.Get(jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	pipe, ok := job.OutputPipe()
	if !ok {
		// Either the job has no output stream or it was already consumed.
		c.JSON(http.StatusGone, gin.H{"error": "download no longer available"})
		return
	}

	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("job_%d", jobID)))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, pipe); err != nil {
		s.logger.Debug("download aborted",
			zap.Int64("job_id", jobID), zap.Error(err))
	}
	_ = pipe.Close()
}

// redeemHeader consumes a "Token <value>" authorization header.
func (s *Sidecar) redeemHeader(header string) (auth.TransferClaims, bool) {
	const prefix = "Token "
	if !strings.HasPrefix(header, prefix) {
		return auth.TransferClaims{}, false
	}
	return s.tokens.Redeem(strings.TrimPrefix(header, prefix))
}

// Shutdown stops the sidecar listener.
func (s *Sidecar) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
