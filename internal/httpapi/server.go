// Package httpapi exposes the service over HTTP: bulk submission, operation
// status, provider status callbacks, position resolution, and asset serving.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/praveen-singh01/whatsapp-automation/internal/bulk"
	"github.com/praveen-singh01/whatsapp-automation/pkg/logx"
)

// Submitter is the operation pipeline surface the API depends on.
type Submitter interface {
	Submit(ctx context.Context, req bulk.Request) (*bulk.Operation, error)
	GetStatus(ctx context.Context, id string) (*bulk.Operation, error)
}

// StatusSink folds provider delivery/read callbacks into stored results.
type StatusSink interface {
	ApplyStatusEvent(ctx context.Context, providerMessageID string, status bulk.ResultStatus, at time.Time) error
}

type Server struct {
	pipeline Submitter
	sink     StatusSink
	log      logx.Logger

	// assetDir, when set, is served under /assets.
	assetDir string
}

func NewServer(pipeline Submitter, sink StatusSink, assetDir string, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{pipeline: pipeline, sink: sink, assetDir: assetDir, log: log}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)
	if s.assetDir != "" {
		r.Static("/assets", s.assetDir)
	}

	api := r.Group("/api/v1")
	{
		api.POST("/bulk/send", s.bulkSend)
		api.GET("/bulk/operations/:id", s.operationStatus)
		api.POST("/webhooks/status", s.statusCallback)
		api.POST("/position/resolve", s.resolvePosition)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error      string            `json:"error"`
	Category   string            `json:"category"`
	Fields     map[string]string `json:"fields,omitempty"`
	RetryAfter int               `json:"retry_after_seconds,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// writeError maps the pipeline error taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	body := errorBody{Error: err.Error(), Timestamp: time.Now().UTC()}
	status := http.StatusInternalServerError
	body.Category = "internal_error"

	var (
		ve *bulk.ValidationError
		nr *bulk.NoRecipientsError
		nf *bulk.NotFoundError
		oe *bulk.BulkOperationError
	)
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		body.Category = "validation_error"
		body.Fields = ve.Fields
	case errors.As(err, &nr):
		status = http.StatusNotFound
		body.Category = "no_recipients"
	case errors.As(err, &nf):
		status = http.StatusNotFound
		body.Category = "not_found"
	case errors.As(err, &oe):
		body.Category = "bulk_operation_error"
		if oe.Provider {
			status = http.StatusBadGateway
			body.Category = "provider_error"
		}
		if oe.RetryAfter > 0 {
			body.RetryAfter = int(oe.RetryAfter.Seconds())
		}
	}
	c.JSON(status, body)
}
