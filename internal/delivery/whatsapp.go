package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/praveen-singh01/whatsapp-automation/pkg/logx"
)

const defaultSendTimeout = 30 * time.Second

type Config struct {
	BaseURL string
	PhoneID string
	Timeout time.Duration
}

// WhatsAppClient speaks the Cloud API messages endpoint. The bearer token is
// fetched from the credential provider on every call so an out-of-band
// refresh mid-operation is always picked up.
type WhatsAppClient struct {
	cfg   Config
	creds CredentialProvider
	hc    *http.Client
	log   logx.Logger
}

func NewWhatsAppClient(cfg Config, creds CredentialProvider, log logx.Logger) *WhatsAppClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &WhatsAppClient{
		cfg:   cfg,
		creds: creds,
		hc:    &http.Client{Timeout: timeout},
		log:   log,
	}
}

// Wire shapes for the Cloud API messages endpoint.

type waTextBody struct {
	Body string `json:"body"`
}

type waLanguage struct {
	Code string `json:"code"`
}

type waMediaLink struct {
	Link string `json:"link"`
}

type waImage struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type waParameter struct {
	Type  string       `json:"type"`
	Text  string       `json:"text,omitempty"`
	Image *waMediaLink `json:"image,omitempty"`
}

type waComponent struct {
	Type       string        `json:"type"`
	Parameters []waParameter `json:"parameters"`
}

type waTemplate struct {
	Name       string        `json:"name"`
	Language   waLanguage    `json:"language"`
	Components []waComponent `json:"components,omitempty"`
}

type waRequest struct {
	MessagingProduct string      `json:"messaging_product"`
	To               string      `json:"to"`
	Type             string      `json:"type"`
	Text             *waTextBody `json:"text,omitempty"`
	Image            *waImage    `json:"image,omitempty"`
	Template         *waTemplate `json:"template,omitempty"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

func (c *WhatsAppClient) Send(ctx context.Context, to string, msg Message) (string, error) {
	token, err := c.creds.Current(ctx)
	if err != nil {
		return "", &ProviderError{Code: "AUTH_ERROR", Message: "no usable credential: " + err.Error()}
	}

	payload := waRequest{MessagingProduct: "whatsapp", To: to}
	switch {
	case msg.Template != nil:
		payload.Type = "template"
		payload.Template = buildTemplate(msg.Template)
	case msg.Image != nil:
		payload.Type = "image"
		payload.Image = &waImage{Link: msg.Image.URL, Caption: msg.Image.Caption}
	default:
		payload.Type = "text"
		payload.Text = &waTextBody{Body: msg.Text}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("delivery: marshal payload: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + c.cfg.PhoneID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &ProviderError{Code: "TIMEOUT", Message: err.Error()}
		}
		return "", &ProviderError{Code: "TRANSPORT_ERROR", Message: err.Error()}
	}
	defer resp.Body.Close()

	var decoded waResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode < 300 {
		return "", &ProviderError{Code: "TRANSPORT_ERROR", Message: "malformed provider response: " + err.Error(), StatusCode: resp.StatusCode}
	}

	if resp.StatusCode >= 300 || decoded.Error != nil {
		pe := &ProviderError{StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		if decoded.Error != nil {
			pe.Code = decoded.Error.Code.String()
			pe.Message = decoded.Error.Message
		} else {
			pe.Message = "unexpected status " + strconv.Itoa(resp.StatusCode)
		}
		c.log.Warn("provider rejected message",
			logx.String("to", to),
			logx.Int("status", resp.StatusCode),
			logx.String("code", pe.Code))
		return "", pe
	}

	if len(decoded.Messages) == 0 || decoded.Messages[0].ID == "" {
		return "", &ProviderError{Code: "TRANSPORT_ERROR", Message: "provider response carries no message id", StatusCode: resp.StatusCode}
	}

	id := decoded.Messages[0].ID
	c.log.Debug("message accepted", logx.String("to", to), logx.String("provider_id", id))
	return id, nil
}

func buildTemplate(t *Template) *waTemplate {
	lang := t.Language
	if lang == "" {
		lang = "en"
	}
	out := &waTemplate{Name: t.Name, Language: waLanguage{Code: lang}}
	if t.ImageURL != "" {
		out.Components = append(out.Components, waComponent{
			Type:       "header",
			Parameters: []waParameter{{Type: "image", Image: &waMediaLink{Link: t.ImageURL}}},
		})
	}
	if len(t.BodyParams) > 0 {
		params := make([]waParameter, len(t.BodyParams))
		for i, p := range t.BodyParams {
			params[i] = waParameter{Type: "text", Text: p}
		}
		out.Components = append(out.Components, waComponent{Type: "body", Parameters: params})
	}
	return out
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
