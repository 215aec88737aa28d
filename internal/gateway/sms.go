package gateway

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/httpclient"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"go.uber.org/zap"
)

const smsMaxRunes = 160

// SMSGateway sends short messages through the "sms" upstream. Bodies over
// the provider limit are truncated, not rejected.
type SMSGateway struct {
	client *httpclient.Service
	api    string
	logger *log.Logger
}

func NewSMSGateway(client *httpclient.Service, logger *log.Logger) *SMSGateway {
	return &SMSGateway{client: client, api: "sms", logger: logger.Named("sms_gateway")}
}

type smsRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (g *SMSGateway) Send(ctx context.Context, to, body string) error {
	if utf8.RuneCountInString(body) > smsMaxRunes {
		runes := []rune(body)
		body = string(runes[:smsMaxRunes-3]) + "..."
	}
	resp, err := g.client.Post(ctx, g.api, "/v1/sms", smsRequest{To: to, Body: body}, nil)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("sms provider returned %d: %s", resp.Status, resp.Error)
	}
	g.logger.Debug("SMS sent", zap.String("to", to))
	return nil
}
