package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	jujuerrors "github.com/juju/errors"
)

// S3 is an S3-compatible object-store Backend, grounded on the AWS SDK
// stack juju/juju carries (aws-sdk-go-v2 + config + credentials +
// service/s3), used the way any Go service wires an S3 client: load
// config once, hand it a static credentials provider when one is given,
// and issue one SDK call per Backend method.
type S3 struct {
	client *s3.Client
	bucket string
}

// S3Options configures the S3 backend's endpoint and credentials,
// mirroring mmp/bk's GCSOptions-style plain-struct configuration
// (storage/gcs.go's GCSOptions).
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string // non-empty selects an S3-compatible provider (MinIO, R2, etc.)
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewS3 constructs an S3 backend from opts.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		configOpts = append(configOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, jujuerrors.Annotate(err, "load aws config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = &opts.Endpoint
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return &S3{client: client, bucket: opts.Bucket}, nil
}

func (s *S3) Kind() string { return "s3" }

func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	return classifyS3Error(err, key)
}

// PutIfAbsent uses the conditional If-None-Match: * header, supported by
// AWS S3 and an increasing number of S3-compatible providers. Providers
// that reject the condition header fall back to an existence-check-then-
// put, which has a documented (narrow) race window between the check and
// the write -- an inherent limitation of any backend lacking a native
// conditional-put, not something a client-side retry can close.
func (s *S3) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	ifNoneMatch := "*"
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		IfNoneMatch: &ifNoneMatch,
	})
	if err == nil {
		return nil
	}
	if isS3PreconditionFailed(err) {
		return jujuerrors.AlreadyExistsf("key %q", key)
	}
	if !isS3UnsupportedCondition(err) {
		return classifyS3Error(err, key)
	}

	exists, existsErr := s.Exists(ctx, key)
	if existsErr != nil {
		return existsErr
	}
	if exists {
		return jujuerrors.AlreadyExistsf("key %q", key)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	return classifyS3Error(err, key)
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, classifyS3Error(err, key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, jujuerrors.Annotatef(Transient(err), "read body of %q", key)
	}
	return data, nil
}

func (s *S3) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Range:  &rangeHeader,
	})
	if err != nil {
		return nil, classifyS3Error(err, key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, jujuerrors.Annotatef(Transient(err), "read range of %q", key)
	}
	return data, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(err, prefix)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{Key: *obj.Key}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.Modified = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil && !isS3NotFound(err) {
		return classifyS3Error(err, key)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, classifyS3Error(err, key)
}

func isS3NotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "PreconditionFailed"
	}
	return false
}

func isS3UnsupportedCondition(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotImplemented" || code == "InvalidArgument"
	}
	return false
}

// classifyS3Error maps an AWS SDK error onto a transient/permanent
// split: not-found and access-denied responses are permanent; every
// other error, including throttling, 5xx responses and any error code
// not listed below, is marked retryable.
func classifyS3Error(err error, key string) error {
	if err == nil {
		return nil
	}
	if isS3NotFound(err) {
		return jujuerrors.NotFoundf("key %q", key)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException":
			return jujuerrors.Annotatef(Transient(err), "s3 %q", key)
		case "AccessDenied", "Forbidden":
			return jujuerrors.Unauthorizedf("s3 %q: %v", key, err)
		}
	}
	// Unclassified errors are treated as transient: network blips and
	// DNS failures surface as generic errors from the SDK's transport
	// layer, not as smithy.APIError values.
	return jujuerrors.Annotatef(Transient(err), "s3 %q", key)
}
