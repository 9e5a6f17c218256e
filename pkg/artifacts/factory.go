package artifacts

import (
	"context"
	"fmt"
)

// Kind selects the export sink.
type Kind string

const (
	KindFS  Kind = "fs"
	KindS3  Kind = "s3"
	KindGCS Kind = "gcs"
)

// Options configures Open.
type Options struct {
	Kind     Kind
	Dir      string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// Open builds the sink named by opts.Kind. An empty kind means fs.
func Open(ctx context.Context, opts Options) (Sink, error) {
	switch opts.Kind {
	case "", KindFS:
		dir := opts.Dir
		if dir == "" {
			dir = "exports"
		}
		return NewDirSink(dir)
	case KindS3:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("artifacts: QLEDGER_EXPORT_BUCKET is required for s3 export")
		}
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Sink(ctx, S3Config{
			Bucket:   opts.Bucket,
			Region:   region,
			Endpoint: opts.Endpoint,
			Prefix:   opts.Prefix,
		})
	case KindGCS:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("artifacts: QLEDGER_EXPORT_BUCKET is required for gcs export")
		}
		return openGCS(ctx, opts)
	default:
		return nil, fmt.Errorf("artifacts: unsupported export sink: %s", opts.Kind)
	}
}
