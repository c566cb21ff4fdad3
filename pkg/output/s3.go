package output

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
)

func init() {
	Register("s3", func(ctx context.Context, params map[string]string) (Output, error) {
		bucket := params["bucket"]
		if bucket == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "s3 output requires a 'bucket' parameter")
		}

		opts := []func(*awsconfig.LoadOptions) error{}
		if region := params["region"]; region != "" {
			opts = append(opts, awsconfig.WithRegion(region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
		}

		client := s3.NewFromConfig(awsCfg)
		if endpoint := params["endpoint"]; endpoint != "" {
			client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			})
		}

		return NewS3Output(client, bucket, params["prefix"], params["compress"] == "gzip"), nil
	})
}

// S3Output writes each flushed batch as one object. Object keys are
// partitioned by stream and day so downstream consumers can prune by
// prefix, with a UUID suffix making re-deliveries distinct objects
// rather than overwrites.
type S3Output struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	compress bool
}

// NewS3Output creates an S3 sink over an existing bucket.
func NewS3Output(client *s3.Client, bucket, prefix string, compress bool) *S3Output {
	return &S3Output{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
		compress: compress,
	}
}

// Flush implements Output.
func (o *S3Output) Flush(ctx context.Context, identity models.Identity, entries []models.LogEntry) error {
	data, err := encodeNDJSON(identity, entries)
	if err != nil {
		return err
	}
	data, err = maybeGzip(data, o.compress)
	if err != nil {
		return err
	}

	key := o.objectKey(identity)
	_, err = o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "s3 upload failed").WithDetail("key", key)
	}
	return nil
}

// Close implements Output.
func (o *S3Output) Close(_ context.Context) error { return nil }

func (o *S3Output) objectKey(identity models.Identity) string {
	now := time.Now().UTC()
	name := fmt.Sprintf("%s-%s.ndjson", now.Format("20060102T150405Z"), uuid.NewString())
	if o.compress {
		name += ".gz"
	}
	return path.Join(o.prefix, identity.String(), now.Format("2006/01/02"), name)
}
