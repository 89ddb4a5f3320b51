package adapter

import (
	"context"
	"errors"
	"strings"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
)

// MessageCreator is the slice of the twilio REST API the adapter needs.
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type TwilioClientFactory func(cfg providerdomain.ProviderConfig) MessageCreator

type Twilio struct {
	newClient TwilioClientFactory
}

func NewTwilio(factory TwilioClientFactory) *Twilio {
	if factory == nil {
		factory = defaultTwilioClient
	}
	return &Twilio{newClient: factory}
}

func defaultTwilioClient(cfg providerdomain.ProviderConfig) MessageCreator {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.Credentials["account_sid"],
		Password: cfg.Credentials["auth_token"],
	})
	return client.Api
}

func (a *Twilio) Kind() providerdomain.Kind { return providerdomain.KindTwilio }

func (a *Twilio) Send(ctx context.Context, cfg providerdomain.ProviderConfig, msg providerdomain.Message) (providerdomain.Response, error) {
	if cfg.Credentials["account_sid"] == "" || cfg.Credentials["auth_token"] == "" {
		return providerdomain.Response{ErrorText: "twilio credentials missing"}, nil
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(msg.From)
	params.SetBody(msg.Body)

	type result struct {
		msg *twilioApi.ApiV2010Message
		err error
	}
	done := make(chan result, 1)
	client := a.newClient(cfg)
	go func() {
		m, err := client.CreateMessage(params)
		done <- result{msg: m, err: err}
	}()

	select {
	case <-ctx.Done():
		return providerdomain.Response{}, ctx.Err()
	case res := <-done:
		return interpretTwilio(res.msg, res.err)
	}
}

func interpretTwilio(msg *twilioApi.ApiV2010Message, err error) (providerdomain.Response, error) {
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			return providerdomain.Response{
				StatusCode: restErr.Status,
				ErrorText:  restErr.Message,
				Raw:        err.Error(),
				Retryable:  retryableStatus(restErr.Status),
			}, nil
		}
		return providerdomain.Response{}, err
	}

	out := providerdomain.Response{StatusCode: 201}
	if msg == nil {
		out.ErrorText = "empty twilio response"
		out.Retryable = true
		return out, nil
	}
	if msg.Sid != nil {
		out.ProviderMessageID = *msg.Sid
	}
	status := ""
	if msg.Status != nil {
		status = strings.ToLower(*msg.Status)
	}
	out.Raw = status
	if status == "failed" || status == "undelivered" {
		if msg.ErrorMessage != nil {
			out.ErrorText = *msg.ErrorMessage
		} else {
			out.ErrorText = "twilio status " + status
		}
		return out, nil
	}
	out.Success = true
	return out, nil
}
