package backend

import (
	"context"
	"net/url"
	"os"

	"github.com/juju/errors"
)

// Open constructs a Backend from a repository location URL:
//
//	file:///abs/path                    -> Local
//	s3://bucket?region=...&endpoint=...  -> S3 (access keys from AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY
//	                                        or the AWS config chain; path_style=true selects path-style
//	                                        addressing; any path after the bucket is ignored)
//	gs://bucket                          -> GCS (credentials from the environment)
//	az://container?account=...           -> Azure Blob (account key from AZURE_STORAGE_KEY)
//	mem://                               -> Memory (tests and demos only)
//
// This is CLI glue, not a repository concern: repository.Open/Init take
// an already-constructed Backend so that tests never need a URL at all.
func Open(ctx context.Context, location string) (Backend, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, errors.Annotatef(err, "parse repository location %q", location)
	}

	switch u.Scheme {
	case "file", "":
		path := u.Path
		if path == "" {
			path = location
		}
		return NewLocal(path)

	case "s3":
		opts := S3Options{
			Bucket:          u.Host,
			Region:          u.Query().Get("region"),
			Endpoint:        u.Query().Get("endpoint"),
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			UsePathStyle:    u.Query().Get("path_style") == "true",
		}
		return NewS3(ctx, opts)

	case "gs":
		return NewGCS(ctx, GCSOptions{Bucket: u.Host})

	case "az":
		return NewAzure(AzureOptions{
			Container:   u.Host,
			AccountName: u.Query().Get("account"),
			AccountKey:  os.Getenv("AZURE_STORAGE_KEY"),
			Endpoint:    u.Query().Get("endpoint"),
		})

	case "mem":
		return NewMemory(), nil

	default:
		return nil, errors.NotSupportedf("repository location scheme %q", u.Scheme)
	}
}
