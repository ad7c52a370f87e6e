// Package archive stores finished negotiations in object storage.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes canonical negotiation JSON to S3 paths like:
//
//	s3://<bucket>/<prefix>/negotiations/YYYY/MM/DD/<negotiationID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
	logger   zerolog.Logger
}

// NewS3Archiver loads AWS configuration from the environment (AWS_REGION,
// AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string, logger zerolog.Logger) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return newS3Archiver(manager.NewUploader(client), bucket, prefix, logger), nil
}

func newS3Archiver(u uploader, bucket, prefix string, logger zerolog.Logger) *S3Archiver {
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: u,
		logger:   logger.With().Str("component", "archive.s3").Logger(),
	}
}

// Key returns the object key for a negotiation, dated by its completion time.
func (a *S3Archiver) Key(n models.Negotiation) string {
	ts := n.UpdatedAt
	if n.CompletedAt != nil {
		ts = *n.CompletedAt
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	year, month, day := ts.UTC().Date()
	return path.Join(a.prefix, "negotiations",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		n.ID+".json",
	)
}

// Archive uploads a terminal negotiation. Non-terminal negotiations are rejected.
func (a *S3Archiver) Archive(ctx context.Context, n models.Negotiation) error {
	if !n.Status.Terminal() {
		return fmt.Errorf("archive %s: status %s is not terminal", n.ID, n.Status)
	}
	body, err := canonicalJSON(n)
	if err != nil {
		return fmt.Errorf("archive %s: %w", n.ID, err)
	}
	sum := sha256.Sum256(body)
	key := a.Key(n)

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"negotiation-id": n.ID,
			"status":         string(n.Status),
			"sha256":         hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	a.logger.Debug().Str("negotiation_id", n.ID).Str("key", key).Msg("negotiation archived")
	return nil
}
