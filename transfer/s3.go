package transfer

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/driftlock-io/capstan/creds"
	"github.com/driftlock-io/capstan/iox"
	"github.com/driftlock-io/capstan/log"
	"github.com/driftlock-io/capstan/types"
)

// Multipart sizing defaults.
const (
	// DefaultMultipartThreshold is the size at or above which uploads
	// switch to the multipart protocol (16 MiB).
	DefaultMultipartThreshold = 16 * 1024 * 1024
	// DefaultPartSize is the fixed part size for multipart uploads (8 MiB).
	DefaultPartSize = 8 * 1024 * 1024
	// MinPartSize is the smallest part size the store accepts (5 MiB).
	MinPartSize = 5 * 1024 * 1024
	// abortTimeout bounds the cleanup call after a failed multipart sequence.
	abortTimeout = 30 * time.Second
)

// S3Config holds configuration for the S3 transfer client.
type S3Config struct {
	// Bucket is the destination bucket name (required).
	Bucket string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain). Required by most S3-compatible providers.
	UsePathStyle bool
	// MultipartThreshold is the size at or above which uploads use the
	// multipart protocol. Zero uses DefaultMultipartThreshold.
	MultipartThreshold int64
	// PartSize is the multipart part size. Zero uses DefaultPartSize.
	PartSize int64
	// Logger is an optional logger. If nil, no logging is emitted.
	Logger *log.Logger
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	if c.PartSize != 0 && c.PartSize < MinPartSize {
		return fmt.Errorf("part size %d below minimum %d", c.PartSize, MinPartSize)
	}
	return nil
}

// S3Client is the S3-backed transfer client. Below the multipart
// threshold it uses a single PutObject; at or above it runs the
// explicit multipart sequence (initiate, sequential parts, complete),
// aborting the session on any failure so no orphaned partial upload
// accrues storage cost.
type S3Client struct {
	api    s3API
	config S3Config
	logger *log.Logger
}

// s3API is the part of the S3 client surface the transfer client uses.
// Narrowed for test doubles.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// credsAdapter bridges a creds.Provider into the AWS credentials
// interface. No SDK-side caching is layered on top: the provider owns
// freshness, so an invalidated token is re-fetched on the next request.
type credsAdapter struct {
	provider creds.Provider
}

func (a credsAdapter) Retrieve(ctx context.Context) (aws.Credentials, error) {
	c, err := a.provider.Credentials(ctx)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("credential provider: %w", err)
	}
	return aws.Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		CanExpire:       c.CanExpire(),
		Expires:         c.ExpiresAt,
	}, nil
}

// NewS3Client creates an S3 transfer client. When provider is non-nil
// it supplies request credentials; otherwise the AWS default chain
// (env vars, shared config, IAM role) is used.
func NewS3Client(ctx context.Context, cfg S3Config, provider creds.Provider) (*S3Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	applyS3Defaults(&cfg)

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if provider != nil {
		awsConfig.Credentials = credsAdapter{provider: provider}
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Client{
		api:    s3.NewFromConfig(awsConfig, s3Opts...),
		config: cfg,
		logger: cfg.Logger,
	}, nil
}

// newS3ClientWithAPI wires a test double behind the client.
func newS3ClientWithAPI(api s3API, cfg S3Config) *S3Client {
	applyS3Defaults(&cfg)
	return &S3Client{api: api, config: cfg, logger: cfg.Logger}
}

func applyS3Defaults(cfg *S3Config) {
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = DefaultMultipartThreshold
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultPartSize
	}
}

// Transfer implements Client.
func (c *S3Client) Transfer(ctx context.Context, filePath, destKey string, meta types.ChunkMetadata) (types.TransferReceipt, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return types.TransferReceipt{}, &Error{Kind: ErrSourceMissing, Op: "open", Key: destKey, Err: err}
		}
		return types.TransferReceipt{}, wrap("open", destKey, err)
	}
	defer iox.DiscardClose(file)

	info, err := file.Stat()
	if err != nil {
		return types.TransferReceipt{}, wrap("stat", destKey, err)
	}
	size := info.Size()

	if size < c.config.MultipartThreshold {
		return c.putSingle(ctx, file, size, destKey, meta)
	}
	return c.putMultipart(ctx, file, size, destKey)
}

// putSingle uploads the whole file in one request. The expected
// checksum travels with the request so the store verifies integrity
// server-side; a mismatch surfaces as ErrIntegrityMismatch.
func (c *S3Client) putSingle(ctx context.Context, file *os.File, size int64, destKey string, meta types.ChunkMetadata) (types.TransferReceipt, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.config.Bucket),
		Key:           aws.String(destKey),
		Body:          file,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	}
	if sum := checksumBase64(meta.Checksum); sum != "" {
		input.ChecksumSHA256 = aws.String(sum)
	}

	out, err := c.api.PutObject(ctx, input)
	if err != nil {
		return types.TransferReceipt{}, wrap("put", destKey, err)
	}
	return types.TransferReceipt{
		RemoteKey:    destKey,
		IntegrityTag: aws.ToString(out.ETag),
		Parts:        1,
	}, nil
}

// putMultipart runs the explicit multipart sequence with sequential
// fixed-size parts. Any failure aborts the in-progress session before
// the original error is returned; an abort failure is logged but never
// overrides it.
func (c *S3Client) putMultipart(ctx context.Context, file *os.File, size int64, destKey string) (types.TransferReceipt, error) {
	create, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(c.config.Bucket),
		Key:         aws.String(destKey),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return types.TransferReceipt{}, wrap("create_multipart", destKey, err)
	}
	uploadID := aws.ToString(create.UploadId)

	var completed []s3types.CompletedPart
	partNumber := int32(0)
	for offset := int64(0); offset < size; offset += c.config.PartSize {
		partNumber++
		partLen := min(c.config.PartSize, size-offset)

		out, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(c.config.Bucket),
			Key:           aws.String(destKey),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNumber),
			Body:          io.NewSectionReader(file, offset, partLen),
			ContentLength: aws.Int64(partLen),
		})
		if err != nil {
			c.abort(ctx, destKey, uploadID)
			return types.TransferReceipt{}, wrap("upload_part", destKey, err)
		}

		completed = append(completed, s3types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	complete, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(c.config.Bucket),
		Key:      aws.String(destKey),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		c.abort(ctx, destKey, uploadID)
		return types.TransferReceipt{}, wrap("complete_multipart", destKey, err)
	}

	return types.TransferReceipt{
		RemoteKey:    destKey,
		IntegrityTag: aws.ToString(complete.ETag),
		Parts:        int(partNumber),
	}, nil
}

// abort cleans up an in-progress multipart session. Runs detached from
// the attempt context so a canceled attempt still gets its cleanup.
func (c *S3Client) abort(ctx context.Context, destKey, uploadID string) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	_, err := c.api.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.config.Bucket),
		Key:      aws.String(destKey),
		UploadId: aws.String(uploadID),
	})
	if err != nil && c.logger != nil {
		c.logger.Warn("multipart abort failed", map[string]any{
			"key":       destKey,
			"upload_id": uploadID,
			"error":     err.Error(),
		})
	}
}

// Close implements Client.
func (c *S3Client) Close() error { return nil }

// checksumBase64 converts a SHA-256 hex digest to the base64 form the
// store expects. Returns empty string for an empty or malformed digest.
func checksumBase64(hexDigest string) string {
	if hexDigest == "" {
		return ""
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// Verify S3Client implements Client.
var _ Client = (*S3Client)(nil)
