package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/mailpipe/internal/config"
)

// sesAPI is the slice of the SES v2 client the transport uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends raw messages through AWS SES v2. Raw mode keeps the
// List-Unsubscribe headers and base64 body exactly as built, instead of
// letting SES reassemble the message.
type SESTransport struct {
	client sesAPI
}

// NewSESTransport creates an SES transport from static credentials.
func NewSESTransport(ctx context.Context, cfg config.SESConfig) (*SESTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		awsconfig.WithHTTPClient(&http.Client{Timeout: cfg.Timeout()}),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SESTransport{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// Name implements Transport.
func (s *SESTransport) Name() string { return "ses" }

// Send implements Transport.
func (s *SESTransport) Send(ctx context.Context, from, to string, raw []byte) (string, error) {
	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: &from,
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		if isSESAuthError(err) {
			return "", fmt.Errorf("ses send to %s: %w", to, ErrAuth)
		}
		return "", fmt.Errorf("ses send to %s: %w", to, err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return messageID, nil
}

func isSESAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "InvalidClientTokenId") ||
		strings.Contains(msg, "SignatureDoesNotMatch") ||
		strings.Contains(msg, "ExpiredToken")
}
