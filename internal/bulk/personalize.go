package bulk

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/praveen-singh01/whatsapp-automation/internal/compositor"
	"github.com/praveen-singh01/whatsapp-automation/internal/delivery"
	"github.com/praveen-singh01/whatsapp-automation/internal/directory"
	"github.com/praveen-singh01/whatsapp-automation/internal/position"
)

// personalizeImage produces the recipient's copy of the poster: their avatar
// cover-cropped onto the configured spot, optionally captioned with their
// name, stored under the operation's asset prefix.
func (s *Service) personalizeImage(ctx context.Context, cfg Config, opID string, rec directory.Recipient, base image.Image, req Request) (string, error) {
	dctx, cancel := context.WithTimeout(ctx, cfg.DownloadTimeout)
	avatar, err := s.deps.Fetcher.Fetch(dctx, rec.AvatarURL)
	cancel()
	if err != nil {
		return "", err
	}

	canvas := position.Size{
		Width:  base.Bounds().Dx(),
		Height: base.Bounds().Dy(),
	}
	target := position.Size{Width: cfg.CanvasSize, Height: cfg.CanvasSize}
	at := position.PlaceOverlay(canvas, target, req.Position)

	img, err := compositor.Composite(base, avatar, target, at, 1.0)
	if err != nil {
		return "", err
	}
	if req.TextStyle != nil && req.TextStyle.Enabled {
		anchor := position.PlaceText(canvas, req.TextStyle)
		img, err = compositor.DrawText(img, rec.Name, req.TextStyle, anchor)
		if err != nil {
			return "", err
		}
	}

	data, err := compositor.EncodePNG(img)
	if err != nil {
		return "", err
	}

	uctx, cancel := context.WithTimeout(ctx, cfg.UploadTimeout)
	defer cancel()
	url, err := s.deps.Assets.Put(uctx, "operations/"+opID+"/"+rec.ID+".png", data)
	if err != nil {
		return "", fmt.Errorf("storing personalized image: %w", err)
	}
	return url, nil
}

// buildMessage renders the outbound message for one recipient. The shape is
// keyed on personalization: a personalized send carries its image, either as
// a template header (body parameter = recipient name) or as a plain image
// message captioned with the substituted body. Non-personalized sends are
// always plain text with {{name}} substituted.
func buildMessage(cfg Config, req Request, rec directory.Recipient, imageURL string) delivery.Message {
	body := strings.ReplaceAll(req.MessageBody, "{{name}}", rec.Name)
	if req.Personalize && imageURL != "" {
		if req.TemplateName != "" {
			return delivery.Message{Template: &delivery.Template{
				Name:       req.TemplateName,
				Language:   cfg.TemplateLanguage,
				ImageURL:   imageURL,
				BodyParams: []string{rec.Name},
			}}
		}
		return delivery.Message{Image: &delivery.Image{URL: imageURL, Caption: body}}
	}
	return delivery.Message{Text: body}
}
