// Package s3tilestore implements tilestore.TileStore on an S3-compatible
// object store. It is tuned for Cloudflare R2: custom endpoint, "auto"
// region and unsigned payloads.
package s3tilestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"go.minimaps.dev/infra/catalog/go/tilestore"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
)

// Options configures the connection to the bucket.
type Options struct {
	// ServiceURL is the endpoint, e.g. https://<account>.r2.cloudflarestorage.com.
	ServiceURL string
	AccessKey  string
	SecretKey  string
	Bucket     string
}

// Store implements tilestore.TileStore on one bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New returns a Store talking to the configured bucket.
func New(ctx context.Context, opts Options) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	)
	if err != nil {
		return nil, mmerr.Wrap(err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(opts.ServiceURL)
		o.UsePathStyle = true
		// R2 rejects the SHA256-signed streaming payload the SDK sends by
		// default; swap it for an unsigned payload.
		o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
	})
	return &Store{client: client, bucket: opts.Bucket}, nil
}

func key(hash types.ContentHash) string {
	hex := hash.String()
	return hex[:2] + "/" + hex
}

// Has implements tilestore.TileStore.
func (s *Store) Has(ctx context.Context, hash types.ContentHash) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(hash)),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, mmerr.Wrap(err)
	}
	return true, nil
}

// Get implements tilestore.TileStore.
func (s *Store) Get(ctx context.Context, hash types.ContentHash) (io.ReadCloser, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(hash)),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, "", tilestore.ErrNotFound
		}
		return nil, "", mmerr.Wrap(err)
	}
	return out.Body, aws.ToString(out.ContentType), nil
}

// Save implements tilestore.TileStore. The body is buffered so the request
// carries an exact Content-Length and a Content-MD5 the far end verifies;
// tiles are capped at 1 MiB so this is cheap.
func (s *Store) Save(ctx context.Context, hash types.ContentHash, contentType string, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return mmerr.Wrap(err)
	}
	// The key is the source content hash, not the hash of the encoded body,
	// so the integrity checksum has to be computed here.
	bodyMD5 := types.ContentHashOf(body)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key(hash)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		ContentMD5:  aws.String(base64.StdEncoding.EncodeToString(bodyMD5.Bytes())),
	})
	if err != nil {
		return mmerr.Wrapf(err, "uploading tile %s", hash)
	}
	return nil
}

// GetAllHashes implements tilestore.TileStore.
func (s *Store) GetAllHashes(ctx context.Context) ([]types.ContentHash, error) {
	ret := []types.ContentHash{}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mmerr.Wrap(err)
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			if i := strings.LastIndexByte(name, '/'); i >= 0 {
				name = name[i+1:]
			}
			h, err := types.ParseContentHash(name)
			if err != nil {
				// Not a tile; ignore stray objects.
				continue
			}
			ret = append(ret, h)
		}
	}
	return ret, nil
}

var _ tilestore.TileStore = (*Store)(nil)
