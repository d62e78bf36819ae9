// Package s3 stores generated clinical documents in an S3 bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/pkg/circuitbreaker"
)

const sseAlgorithm = "AES256"

// Object describes an uploaded document.
type Object struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Size      int64     `json:"size"`
}

// IsServiceFailure reports whether err should count against the breaker.
func IsServiceFailure(err error) bool {
	if err == nil {
		return false
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode() >= http.StatusInternalServerError
	}
	return true
}

// BreakerConfig returns the breaker settings used for S3.
func BreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(circuitbreaker.S3)
	cfg.IsFailure = IsServiceFailure
	return cfg
}

// Store writes objects under a fixed bucket and prefix.
type Store struct {
	s3      *awss3.S3
	bucket  string
	prefix  string
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewStore creates a store in region. ttl bounds the lifetime of signed URLs.
func NewStore(region, bucket, prefix string, ttl time.Duration, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*Store, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		s3:      awss3.New(sess),
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		ttl:     ttl,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// ObjectKey builds the key for a patient document of the given kind.
func ObjectKey(prefix, patientID, kind string, id uuid.UUID) string {
	return path.Join(strings.Trim(prefix, "/"), patientID, fmt.Sprintf("%s-%s.pdf", kind, id))
}

// PutDocument uploads a PDF and returns a signed download URL for it.
func (s *Store) PutDocument(ctx context.Context, patientID, kind string, data []byte) (*Object, error) {
	key := ObjectKey(s.prefix, patientID, kind, uuid.New())
	contentType := "application/pdf"
	size := int64(len(data))

	_, err := s.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return s.s3.PutObjectWithContext(ctx, &awss3.PutObjectInput{
			Bucket:               &s.bucket,
			Key:                  &key,
			Body:                 bytes.NewReader(data),
			ContentLength:        &size,
			ContentType:          &contentType,
			ServerSideEncryption: aws.String(sseAlgorithm),
			Metadata: map[string]*string{
				"patient-id":    aws.String(patientID),
				"document-kind": aws.String(kind),
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}

	url, err := s.SignedURL(key)
	if err != nil {
		return nil, err
	}
	s.logger.Info("document stored",
		zap.String("key", key),
		zap.String("kind", kind),
		zap.Int64("size", size))
	return &Object{Key: key, URL: url, ExpiresAt: time.Now().Add(s.ttl), Size: size}, nil
}

// SignedURL returns a presigned GET URL for key.
func (s *Store) SignedURL(key string) (string, error) {
	req, _ := s.s3.GetObjectRequest(&awss3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	url, err := req.Presign(s.ttl)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return url, nil
}
