package sms

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/formrelay/internal/backoff"
	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/transport"
)

// SNSAPI is the subset of the SNS client the provider uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	GetSMSAttributes(ctx context.Context, params *sns.GetSMSAttributesInput, optFns ...func(*sns.Options)) (*sns.GetSMSAttributesOutput, error)
}

// SNS sends messages directly to phone numbers through Amazon SNS.
type SNS struct {
	client      SNSAPI
	senderID    string
	smsType     string
	countryCode string
}

// NewSNS builds an SNS provider. Without explicit keys the default AWS
// credential chain is used.
func NewSNS(ctx context.Context, cfg domain.ProviderConfig) (*SNS, error) {
	s := cfg.Settings
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s["region"])}
	if s["access_key_id"] != "" && s["secret_access_key"] != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s["access_key_id"], s["secret_access_key"], ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sns: load aws config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if ep := s["endpoint"]; ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
	})
	return NewSNSWithClient(client, cfg), nil
}

// NewSNSWithClient wraps an existing client.
func NewSNSWithClient(client SNSAPI, cfg domain.ProviderConfig) *SNS {
	smsType := cfg.Settings["sms_type"]
	if smsType == "" {
		smsType = "Transactional"
	}
	return &SNS{
		client:      client,
		senderID:    cfg.Settings["sender_id"],
		smsType:     smsType,
		countryCode: cfg.Settings["default_country_code"],
	}
}

func (p *SNS) Send(ctx context.Context, destination string, payload []byte, _ transport.Options) transport.Result {
	start := time.Now()

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(p.smsType),
		},
	}
	if p.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(p.senderID),
		}
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(destination),
		Message:           aws.String(string(payload)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return transport.Result{
			Err:          fmt.Errorf("sns publish: %w", err),
			ErrorMessage: err.Error(),
			ErrorCode:    backoff.CodeProviderFailure,
			Duration:     time.Since(start),
		}
	}
	return transport.Result{
		Success:   true,
		MessageID: aws.ToString(out.MessageId),
		Duration:  time.Since(start),
	}
}

func (p *SNS) ValidateDestination(_ context.Context, destination string) transport.Validation {
	return NormalizeE164(destination, p.countryCode)
}

func (p *SNS) CheckHealth(ctx context.Context) bool {
	if _, err := p.client.GetSMSAttributes(ctx, &sns.GetSMSAttributesInput{}); err != nil {
		log.Warn().Err(err).Str("component", "sns").Msg("health check failed")
		return false
	}
	return true
}
