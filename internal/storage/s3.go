package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/vod-pipeline/internal/config"
)

// Default timeout for control-plane S3 operations (presign, list, delete).
// Data-plane get/put carry the caller's context untouched.
const DefaultS3Timeout = 30 * time.Second

// ObjectVersion identifies one stored version of an object.
type ObjectVersion struct {
	Key       string
	VersionID string
}

// ObjectStore wraps the versioned media bucket.
type ObjectStore struct {
	client *s3.Client
	bucket string
}

// NewObjectStore creates an ObjectStore for the configured media bucket.
func NewObjectStore(ctx context.Context, cfg *config.Config) (*ObjectStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWS.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	return &ObjectStore{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.AWS.MediaBucket,
	}, nil
}

// NewObjectStoreFromClient wraps an existing S3 client.
func NewObjectStoreFromClient(client *s3.Client, bucket string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket}
}

// Get opens a reader over the object's current version. The caller must
// close the returned reader.
func (o *ObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return result.Body, nil
}

// Put writes an object under the given key, overwriting any current version.
func (o *ObjectStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// Head reports the size of the object's current version.
func (o *ObjectStore) Head(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	result, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to head object %s: %w", key, err)
	}
	return aws.ToInt64(result.ContentLength), nil
}

// ListVersions enumerates every stored version under the given key prefix,
// including delete markers, paging through the full result set.
func (o *ObjectStore) ListVersions(ctx context.Context, prefix string) ([]ObjectVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	var versions []ObjectVersion
	input := &s3.ListObjectVersionsInput{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(prefix),
	}

	for {
		result, err := o.client.ListObjectVersions(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list versions for %s: %w", prefix, err)
		}

		for _, v := range result.Versions {
			versions = append(versions, ObjectVersion{
				Key:       aws.ToString(v.Key),
				VersionID: aws.ToString(v.VersionId),
			})
		}
		for _, m := range result.DeleteMarkers {
			versions = append(versions, ObjectVersion{
				Key:       aws.ToString(m.Key),
				VersionID: aws.ToString(m.VersionId),
			})
		}

		if !aws.ToBool(result.IsTruncated) {
			break
		}
		input.KeyMarker = result.NextKeyMarker
		input.VersionIdMarker = result.NextVersionIdMarker
	}

	return versions, nil
}

// DeleteVersion permanently removes one version of an object. Deleting a
// version that is already gone is not an error.
func (o *ObjectStore) DeleteVersion(ctx context.Context, key, versionID string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}

	if _, err := o.client.DeleteObject(ctx, input); err != nil {
		return fmt.Errorf("failed to delete %s@%s: %w", key, versionID, err)
	}
	return nil
}

// PresignGet generates a presigned download URL with the given lifetime.
func (o *ObjectStore) PresignGet(ctx context.Context, key string, lifetime time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	presignClient := s3.NewPresignClient(o.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = lifetime
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign get: %w", err)
	}
	return req.URL, nil
}

// PresignPut generates a presigned upload URL with the given lifetime.
func (o *ObjectStore) PresignPut(ctx context.Context, key, contentType string, lifetime time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	presignClient := s3.NewPresignClient(o.client)
	req, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = lifetime
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign put: %w", err)
	}
	return req.URL, nil
}
