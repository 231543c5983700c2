package alert

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender 发送单条消息，返回服务端消息编号。
type Sender interface {
	Send(ctx context.Context, from, to, body string) (string, error)
}

// TwilioSender 通过 Twilio Messages 接口发送短信或 WhatsApp 消息。
type TwilioSender struct {
	client *twilio.RestClient
}

var _ Sender = (*TwilioSender)(nil)

// NewTwilioSender 以账户凭据创建发送器。
func NewTwilioSender(accountSID, authToken string) *TwilioSender {
	return &TwilioSender{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
	}
}

// Send 实现 Sender。Twilio 客户端不接收 context，只在发送前检查取消。
func (s *TwilioSender) Send(ctx context.Context, from, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &openapi.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(to)
	params.SetBody(body)

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("alert: twilio 发送失败: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", nil
	}
	return *resp.Sid, nil
}
