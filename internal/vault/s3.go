package vault

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"docsync/internal/engine"
)

// S3Vault stores backup blobs as S3 objects keyed by checksum under an
// optional prefix. S3 object writes are atomic, so no temp-and-rename dance
// is needed; uploads of the same checksum simply overwrite identical bytes.
type S3Vault struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Vault creates a vault backed by the given bucket. Credentials and
// endpoint resolution follow the standard AWS configuration chain.
func NewS3Vault(ctx context.Context, bucket, prefix, region string) (*S3Vault, error) {
	if bucket == "" {
		return nil, errors.New("s3 vault requires a bucket")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Vault{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

// NewS3VaultFromClient wraps an existing client. Used by tests with a stubbed
// endpoint.
func NewS3VaultFromClient(client *s3.Client, bucket, prefix string) *S3Vault {
	return &S3Vault{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (v *S3Vault) key(checksum string) string {
	if v.prefix == "" {
		return "content/" + checksum
	}
	return v.prefix + "/content/" + checksum
}

// PutContent uploads the blob under its checksum key. Existing objects are
// skipped; the reader is drained to honor the size contract.
func (v *S3Vault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	exists, err := v.exists(ctx, checksum)
	if err != nil {
		return err
	}
	if exists {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}

	_, err = v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(checksum)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("uploading content %s: %w", checksum, err)
	}
	return nil
}

// GetContent streams the blob for checksum to w.
func (v *S3Vault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(checksum)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return fmt.Errorf("content %s: %w", checksum, engine.ErrNotFound)
		}
		return fmt.Errorf("fetching content %s: %w", checksum, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	return nil
}

// DeleteContent removes the object for checksum. S3 deletes are idempotent,
// so a missing object reports ErrNotFound only via the preceding head check.
func (v *S3Vault) DeleteContent(ctx context.Context, checksum string) error {
	exists, err := v.exists(ctx, checksum)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("content %s: %w", checksum, engine.ErrNotFound)
	}
	_, err = v.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(checksum)),
	})
	if err != nil {
		return fmt.Errorf("deleting content %s: %w", checksum, err)
	}
	return nil
}

// ValidateSetup verifies the bucket is reachable with the configured
// credentials.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	_, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(v.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

func (v *S3Vault) exists(ctx context.Context, checksum string) (bool, error) {
	_, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(checksum)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking content %s: %w", checksum, err)
	}
	return true, nil
}

// Compile-time check that S3Vault implements engine.Vault.
var _ engine.Vault = (*S3Vault)(nil)
