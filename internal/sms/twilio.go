package sms

import (
	"context"
	"errors"
	"strings"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

var (
	errMissingTwilioCredentials = errors.New("sms: twilio account sid, auth token and from number are required")
	errMissingRecipient         = errors.New("sms: recipient required")
)

// messageCreator is the slice of the Twilio API used for sending.
type messageCreator interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
}

// TwilioConfig holds Twilio credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Logger     *zap.Logger
}

// TwilioSender sends messages through the Twilio REST API.
type TwilioSender struct {
	api    messageCreator
	from   string
	logger *zap.Logger
}

// NewTwilioSender builds a sender backed by the Twilio REST client.
func NewTwilioSender(cfg TwilioConfig) (*TwilioSender, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" || strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, errMissingTwilioCredentials
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: strings.TrimSpace(cfg.AccountSID),
		Password: strings.TrimSpace(cfg.AuthToken),
	})
	return newTwilioSender(client.Api, cfg.FromNumber, cfg.Logger), nil
}

func newTwilioSender(api messageCreator, from string, logger *zap.Logger) *TwilioSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwilioSender{
		api:    api,
		from:   strings.TrimSpace(from),
		logger: logger.With(zap.String("component", "twilio_sender")),
	}
}

// Send submits the message. Provider failures are reported through Result.
func (s *TwilioSender) Send(ctx context.Context, msg Message) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{Success: false, Error: err.Error()}, err
	}
	to := FormatNumber(msg.To)
	if to == "" {
		return Result{Success: false, Error: errMissingRecipient.Error()}, errMissingRecipient
	}

	params := &twilioapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(msg.Body)

	response, err := s.api.CreateMessage(params)
	if err != nil {
		s.logger.Warn("sms delivery failed", zap.String("to", to), zap.Error(err))
		return Result{Success: false, Error: err.Error()}, err
	}

	result := Result{Success: true}
	if response != nil && response.Sid != nil {
		result.SID = *response.Sid
	}
	s.logger.Debug("sms delivered", zap.String("to", to), zap.String("sid", result.SID))
	return result, nil
}

// Configured is true once credentials were accepted.
func (s *TwilioSender) Configured() bool {
	return s != nil && s.api != nil && s.from != ""
}
