package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/praveen-singh01/whatsapp-automation/internal/bulk"
	"github.com/praveen-singh01/whatsapp-automation/internal/directory"
	"github.com/praveen-singh01/whatsapp-automation/internal/position"
	"github.com/praveen-singh01/whatsapp-automation/pkg/logx"
)

// maxPosterBytes bounds the uploaded poster file.
const maxPosterBytes = 10 << 20

// bulkSend accepts a multipart form:
//
//	target_roles        comma-separated role names (or repeated field)
//	message_content     message body, {{name}} substituted per recipient
//	template_name       optional provider template
//	include_user_image  "true" enables per-recipient personalization
//	user_image_position optional position spec, JSON
//	text_config         optional text overlay config, JSON
//	poster_image        optional shared base image file
//
// The call is synchronous: the response carries the finished operation.
func (s *Server) bulkSend(c *gin.Context) {
	req, err := parseBulkForm(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	op, err := s.pipeline.Submit(c.Request.Context(), *req)
	if err != nil {
		// Zero matched recipients still produced a completed record;
		// everything else is a failure.
		s.writeError(c, err)
		return
	}
	s.log.Info("bulk operation finished",
		logx.String("operation", op.ID),
		logx.Int("success", op.Summary.SuccessCount),
		logx.Int("failed", op.Summary.FailureCount))
	c.JSON(http.StatusOK, op)
}

func parseBulkForm(c *gin.Context) (*bulk.Request, error) {
	fields := map[string]string{}

	var roles []directory.Role
	raw := c.PostFormArray("target_roles")
	for _, chunk := range raw {
		for _, part := range strings.Split(chunk, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				roles = append(roles, directory.Role(part))
			}
		}
	}

	req := &bulk.Request{
		Roles:        roles,
		MessageBody:  c.PostForm("message_content"),
		TemplateName: strings.TrimSpace(c.PostForm("template_name")),
	}
	if v := c.PostForm("include_user_image"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fields["include_user_image"] = "must be a boolean"
		}
		req.Personalize = b
	}
	if v := c.PostForm("user_image_position"); v != "" {
		var spec position.Spec
		if err := json.Unmarshal([]byte(v), &spec); err != nil {
			fields["user_image_position"] = "invalid position spec: " + err.Error()
		} else {
			req.Position = &spec
		}
	}
	if v := c.PostForm("text_config"); v != "" {
		var style position.TextStyle
		if err := json.Unmarshal([]byte(v), &style); err != nil {
			fields["text_config"] = "invalid text config: " + err.Error()
		} else {
			req.TextStyle = &style
		}
	}

	if fh, err := c.FormFile("poster_image"); err == nil {
		if fh.Size > maxPosterBytes {
			fields["poster_image"] = "file exceeds 10 MiB"
		} else {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(io.LimitReader(f, maxPosterBytes+1))
			f.Close()
			if err != nil {
				return nil, err
			}
			req.Poster = data
		}
	}

	if len(fields) > 0 {
		return nil, &bulk.ValidationError{Fields: fields}
	}
	return req, nil
}

func (s *Server) operationStatus(c *gin.Context) {
	op, err := s.pipeline.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// statusEvent is the provider callback payload: one delivery/read transition
// keyed by the provider's message id.
type statusEvent struct {
	ProviderMessageID string    `json:"provider_message_id" binding:"required"`
	Status            string    `json:"status" binding:"required"`
	Timestamp         time.Time `json:"timestamp"`
}

func (s *Server) statusCallback(c *gin.Context) {
	var ev statusEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		s.writeError(c, &bulk.ValidationError{Fields: map[string]string{"body": err.Error()}})
		return
	}
	status := bulk.ResultStatus(ev.Status)
	if status != bulk.ResultDelivered && status != bulk.ResultRead {
		s.writeError(c, &bulk.ValidationError{Fields: map[string]string{
			"status": "must be delivered or read",
		}})
		return
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.sink.ApplyStatusEvent(c.Request.Context(), ev.ProviderMessageID, status, at); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// resolveRequest mirrors what the composer UI sends while previewing.
type resolveRequest struct {
	Container position.Size       `json:"container" binding:"required"`
	Overlay   position.Size       `json:"overlay"`
	Position  *position.Spec      `json:"user_image_position,omitempty"`
	Text      *position.TextStyle `json:"text_config,omitempty"`
}

func (s *Server) resolvePosition(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, &bulk.ValidationError{Fields: map[string]string{"body": err.Error()}})
		return
	}
	if req.Container.Width <= 0 || req.Container.Height <= 0 {
		s.writeError(c, &bulk.ValidationError{Fields: map[string]string{
			"container": "width and height must be positive",
		}})
		return
	}

	resp := gin.H{
		"overlay": position.PlaceOverlay(req.Container, req.Overlay, req.Position),
	}
	if req.Text != nil {
		resp["text"] = position.PlaceText(req.Container, req.Text)
	}
	c.JSON(http.StatusOK, resp)
}
