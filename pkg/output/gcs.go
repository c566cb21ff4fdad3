package output

import (
	"context"
	"fmt"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
)

func init() {
	Register("gcs", func(ctx context.Context, params map[string]string) (Output, error) {
		bucket := params["bucket"]
		if bucket == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "gcs output requires a 'bucket' parameter")
		}

		var opts []option.ClientOption
		if creds := params["credentials_file"]; creds != "" {
			opts = append(opts, option.WithCredentialsFile(creds))
		}

		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create GCS client")
		}

		return NewGCSOutput(client, bucket, params["prefix"], params["compress"] == "gzip"), nil
	})
}

// GCSOutput writes each flushed batch as one object, using the same
// stream/day key layout as the S3 sink.
type GCSOutput struct {
	client   *storage.Client
	bucket   string
	prefix   string
	compress bool
}

// NewGCSOutput creates a GCS sink over an existing bucket.
func NewGCSOutput(client *storage.Client, bucket, prefix string, compress bool) *GCSOutput {
	return &GCSOutput{client: client, bucket: bucket, prefix: prefix, compress: compress}
}

// Flush implements Output.
func (o *GCSOutput) Flush(ctx context.Context, identity models.Identity, entries []models.LogEntry) error {
	data, err := encodeNDJSON(identity, entries)
	if err != nil {
		return err
	}
	data, err = maybeGzip(data, o.compress)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	name := fmt.Sprintf("%s-%s.ndjson", now.Format("20060102T150405Z"), uuid.NewString())
	if o.compress {
		name += ".gz"
	}
	key := path.Join(o.prefix, identity.String(), now.Format("2006/01/02"), name)

	writer := o.client.Bucket(o.bucket).Object(key).NewWriter(ctx)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return errors.Wrap(err, errors.ErrorTypeOutput, "gcs write failed").WithDetail("object", key)
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "gcs upload failed").WithDetail("object", key)
	}
	return nil
}

// Close implements Output.
func (o *GCSOutput) Close(_ context.Context) error {
	return o.client.Close()
}
