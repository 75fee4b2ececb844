// Package assets produces upload URLs for board assets. The realtime layer only relays them.
package assets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	TypeNone   = "none"
	TypeStatic = "static"
	TypeS3     = "s3"

	// DefaultURLTTL bounds how long a signed upload URL stays valid.
	DefaultURLTTL = 15 * time.Minute
)

var (
	// ErrUploadsDisabled indicates that no signer is configured.
	ErrUploadsDisabled = errors.New("assets: uploads are disabled")
	// ErrInvalidAssetID indicates an empty or path-like asset id.
	ErrInvalidAssetID = errors.New("assets: invalid asset id")
)

// Signer returns an upload URL for an asset.
type Signer interface {
	UploadURL(ctx context.Context, assetID string) (string, error)
}

// Config selects and configures a Signer.
type Config struct {
	Type              string
	StaticBaseURL     string
	S3Bucket          string
	S3Region          string
	S3Prefix          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	URLTTL            time.Duration
}

// NewSignerFromConfig creates the Signer named by cfg.Type.
func NewSignerFromConfig(ctx context.Context, cfg Config) (Signer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", TypeNone:
		return None{}, nil
	case TypeStatic:
		if strings.TrimSpace(cfg.StaticBaseURL) == "" {
			return nil, fmt.Errorf("static asset signer requires static_base_url to be set")
		}
		return NewStatic(cfg.StaticBaseURL)
	case TypeS3:
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown asset signer type: %s", cfg.Type)
	}
}

func validateAssetID(assetID string) error {
	trimmed := strings.TrimSpace(assetID)
	if trimmed == "" || trimmed != assetID || strings.Contains(assetID, "..") || strings.ContainsAny(assetID, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidAssetID, assetID)
	}
	return nil
}

// None rejects every request.
type None struct{}

func (None) UploadURL(context.Context, string) (string, error) {
	return "", ErrUploadsDisabled
}

// Static joins asset ids onto a fixed base URL, for uploads handled by a fronting proxy.
type Static struct {
	base *url.URL
}

// NewStatic parses baseURL.
func NewStatic(baseURL string) (*Static, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse static asset base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("static asset base url must be absolute: %q", baseURL)
	}
	return &Static{base: parsed}, nil
}

func (s *Static) UploadURL(_ context.Context, assetID string) (string, error) {
	if err := validateAssetID(assetID); err != nil {
		return "", err
	}
	return s.base.JoinPath(assetID).String(), nil
}

// S3 presigns PUT requests against a bucket.
type S3 struct {
	presigner *s3.PresignClient
	bucket    string
	prefix    string
	ttl       time.Duration
}

// NewS3 builds an S3 presigner. Static credentials are used when both key parts are set; otherwise
// the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg Config) (*S3, error) {
	if strings.TrimSpace(cfg.S3Bucket) == "" {
		return nil, fmt.Errorf("s3 asset signer requires s3_bucket to be set")
	}
	options := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		options = append(options, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		options = append(options, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &S3{
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.S3Bucket,
		prefix:    strings.Trim(cfg.S3Prefix, "/"),
		ttl:       ttl,
	}, nil
}

func (s *S3) UploadURL(ctx context.Context, assetID string) (string, error) {
	if err := validateAssetID(assetID); err != nil {
		return "", err
	}
	key := assetID
	if s.prefix != "" {
		key = s.prefix + "/" + assetID
	}
	request, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign upload for %s: %w", key, err)
	}
	return request.URL, nil
}
