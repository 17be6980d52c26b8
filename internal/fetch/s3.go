package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

// S3API is the subset of the S3 client used by S3Fetcher.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configures the S3 client built by NewS3Fetcher.
type S3Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// S3Fetcher reads package files straight from the bucket.
type S3Fetcher struct {
	client S3API
}

// NewS3Fetcher builds an S3 client from the default AWS credential chain.
func NewS3Fetcher(ctx context.Context, opts S3Options) (*S3Fetcher, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewS3FetcherFromClient(client), nil
}

// NewS3FetcherFromClient wraps an existing client.
func NewS3FetcherFromClient(client S3API) *S3Fetcher {
	return &S3Fetcher{client: client}
}

// Fetch reads the object for name.
func (f *S3Fetcher) Fetch(ctx context.Context, src Source, name string) (*Response, error) {
	key := src.Key(name)
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(src.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		location := "s3://" + src.Bucket + "/" + key
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, &syncerr.StatusError{Name: name, URL: location, StatusCode: 404}
		}
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			return nil, &syncerr.StatusError{Name: name, URL: location, StatusCode: respErr.HTTPStatusCode()}
		}
		return nil, transferError("get object", location, err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &Response{
		ContentType: aws.ToString(out.ContentType),
		Size:        size,
		Body:        out.Body,
	}, nil
}
