package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
)

// Config controls the S3Client.
type Config struct {
	Endpoint string
	Region   string
	Bucket   string
	Insecure bool
}

// S3Client implements Client on aws-sdk-go-v2/service/s3.
type S3Client struct {
	client *s3.Client
	bucket string
}

const s3OpTimeout = 5 * time.Minute

// New builds an S3Client from cfg.
func New(cfg Config) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("objectstore: region is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("objectstore: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint == "" {
			return
		}
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "https"
			if cfg.Insecure {
				scheme = "http"
			}
			endpoint = scheme + "://" + endpoint
		}
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &S3Client{client: client, bucket: cfg.Bucket}, nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= s3OpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, s3OpTimeout)
}

func (c *S3Client) InitiateMultipartUpload(ctx context.Context, key string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	out, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", wrapError(err, "objectstore: create multipart upload")
	}
	return aws.ToString(out.UploadId), nil
}

func (c *S3Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int, payload []byte, last bool) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	out, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
		Body:       bytes.NewReader(payload),
	})
	if err != nil {
		return "", wrapError(err, "objectstore: upload part")
	}
	return stripETag(aws.ToString(out.ETag)), nil
}

func (c *S3Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		}
	}
	_, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return classifySweepError(err)
	}
	return nil
}

func (c *S3Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return classifySweepError(err)
	}
	return nil
}

func (c *S3Client) ListMultipartUploads(ctx context.Context, prefix string) ([]Upload, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var uploads []Upload
	var keyMarker, uploadIDMarker *string
	for {
		out, err := c.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket:         aws.String(c.bucket),
			Prefix:         aws.String(prefix),
			KeyMarker:      keyMarker,
			UploadIdMarker: uploadIDMarker,
		})
		if err != nil {
			return nil, wrapError(err, "objectstore: list multipart uploads")
		}
		for _, u := range out.Uploads {
			uploads = append(uploads, Upload{
				Key:      aws.ToString(u.Key),
				UploadID: aws.ToString(u.UploadId),
				Started:  aws.ToTime(u.Initiated),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		keyMarker = out.NextKeyMarker
		uploadIDMarker = out.NextUploadIdMarker
	}
	return uploads, nil
}

func (c *S3Client) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var parts []Part
	var marker *string
	for {
		out, err := c.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(c.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, wrapError(err, "objectstore: list parts")
		}
		for _, p := range out.Parts {
			parts = append(parts, Part{
				PartNumber: int(aws.ToInt32(p.PartNumber)),
				ETag:       stripETag(aws.ToString(p.ETag)),
				Size:       aws.ToInt64(p.Size),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}
	return parts, nil
}

func (c *S3Client) ListObjects(ctx context.Context, prefix string) ([]ObjectSummary, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var objects []ObjectSummary
	var token *string
	for {
		out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, wrapError(err, "objectstore: list objects")
		}
		for _, o := range out.Contents {
			objects = append(objects, ObjectSummary{
				Key:          aws.ToString(o.Key),
				Size:         aws.ToInt64(o.Size),
				LastModified: aws.ToTime(o.LastModified),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return objects, nil
}

// classifySweepError maps 404/403 into the sentinels the expiration
// sweeper branches on (spec §4.7); everything else is wrapped normally.
func classifySweepError(err error) error {
	if isNotFound(err) {
		return ErrNotFound
	}
	if isForbidden(err) {
		return ErrForbidden
	}
	return wrapError(err, "objectstore")
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return ErrNotFound
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusRequestTimeout:
			return true
		}
	}
	return false
}

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchUpload", "NotFound", "NoSuchBucket":
			return true
		}
	}
	status, ok := httpStatusCode(err)
	return ok && status == http.StatusNotFound
}

func isForbidden(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDenied" {
		return true
	}
	status, ok := httpStatusCode(err)
	return ok && status == http.StatusForbidden
}
