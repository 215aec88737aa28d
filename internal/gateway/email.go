// Package gateway holds the outbound delivery adapters for non-websocket
// notification channels. Each adapter talks to its provider through the
// shared circuit-broken HTTP client.
package gateway

import (
	"context"
	"fmt"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/httpclient"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"go.uber.org/zap"
)

// EmailGateway sends transactional mail through the "email" upstream.
type EmailGateway struct {
	client *httpclient.Service
	api    string
	logger *log.Logger
}

func NewEmailGateway(client *httpclient.Service, logger *log.Logger) *EmailGateway {
	return &EmailGateway{client: client, api: "email", logger: logger.Named("email_gateway")}
}

type emailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Type    string `json:"type"`
}

func (g *EmailGateway) Send(ctx context.Context, to, subject, body, notificationType string) error {
	resp, err := g.client.Post(ctx, g.api, "/v1/messages", emailRequest{
		To:      to,
		Subject: subject,
		Body:    body,
		Type:    notificationType,
	}, nil)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("email provider returned %d: %s", resp.Status, resp.Error)
	}
	g.logger.Debug("Email sent", zap.String("to", to), zap.String("type", notificationType))
	return nil
}
