package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESConfig holds the configuration for creating an SES sender.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	From            string
}

// SendEmailAPI is the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends raw messages through the AWS SES v2 API.
type SES struct {
	from   string
	client SendEmailAPI
}

// NewSES creates an SES sender. Static credentials are used when both keys
// are set; otherwise the default AWS credential chain applies.
func NewSES(ctx context.Context, cfg SESConfig) (*SES, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewSESWithClient(cfg.From, sesv2.NewFromConfig(awsCfg)), nil
}

// NewSESWithClient creates an SES sender around an existing client.
func NewSESWithClient(from string, client SendEmailAPI) *SES {
	return &SES{from: from, client: client}
}

// Name returns the transport name.
func (s *SES) Name() string {
	return "ses"
}

// Send submits raw unchanged. SES reads the recipients from its headers.
func (s *SES) Send(ctx context.Context, raw []byte) (string, error) {
	if _, err := readEnvelope(raw); err != nil {
		return "", err
	}

	input := &sesv2.SendEmailInput{
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if s.from != "" {
		input.FromEmailAddress = aws.String(s.from)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}
