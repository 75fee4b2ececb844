package assets

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestNewSignerFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default is none", cfg: Config{}},
		{name: "static", cfg: Config{Type: "static", StaticBaseURL: "https://uploads.example.org/assets"}},
		{name: "static without base url", cfg: Config{Type: "static"}, wantErr: true},
		{name: "s3 without bucket", cfg: Config{Type: "s3", S3Region: "us-east-1"}, wantErr: true},
		{name: "unknown type", cfg: Config{Type: "ftp"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSignerFromConfig(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSignerFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == nil {
				t.Fatalf("expected a signer")
			}
		})
	}
}

func TestNoneRejectsUploads(t *testing.T) {
	if _, err := (None{}).UploadURL(context.Background(), "asset-1"); !errors.Is(err, ErrUploadsDisabled) {
		t.Fatalf("expected ErrUploadsDisabled, got %v", err)
	}
}

func TestStaticUploadURL(t *testing.T) {
	signer, err := NewStatic("https://uploads.example.org/assets/")
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	got, err := signer.UploadURL(context.Background(), "asset-1")
	if err != nil {
		t.Fatalf("UploadURL: %v", err)
	}
	if got != "https://uploads.example.org/assets/asset-1" {
		t.Fatalf("unexpected url %q", got)
	}
	for _, bad := range []string{"", " asset", "../etc", "a/b"} {
		if _, err := signer.UploadURL(context.Background(), bad); !errors.Is(err, ErrInvalidAssetID) {
			t.Fatalf("expected ErrInvalidAssetID for %q, got %v", bad, err)
		}
	}
}

func TestS3PresignsPutRequests(t *testing.T) {
	signer, err := NewS3(context.Background(), Config{
		S3Bucket:          "boards",
		S3Region:          "us-east-1",
		S3Prefix:          "/uploads/",
		S3Endpoint:        "http://127.0.0.1:9000",
		S3AccessKeyID:     "AKIDEXAMPLE",
		S3SecretAccessKey: "secret",
		URLTTL:            5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	raw, err := signer.UploadURL(context.Background(), "asset-1")
	if err != nil {
		t.Fatalf("UploadURL: %v", err)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse presigned url: %v", err)
	}
	if parsed.Host != "127.0.0.1:9000" || parsed.Path != "/boards/uploads/asset-1" {
		t.Fatalf("unexpected presigned target %q", raw)
	}
	query := parsed.Query()
	if query.Get("X-Amz-Expires") != "300" {
		t.Fatalf("unexpected expiry %q", query.Get("X-Amz-Expires"))
	}
	if query.Get("X-Amz-Signature") == "" || !strings.HasPrefix(query.Get("X-Amz-Credential"), "AKIDEXAMPLE/") {
		t.Fatalf("expected signed query, got %q", raw)
	}
}
