// Package pull resolves remote model sources into a local cache so the loader
// only ever sees local paths. s3:// sources are fetched with the AWS SDK; any
// S3-compatible endpoint works with path-style addressing.
package pull

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"servd/internal/common/fsutil"
)

// API is the subset of the S3 client used by the resolver.
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var (
	ErrUnsupportedScheme = errors.New("unsupported source scheme")
	ErrNoObjects         = errors.New("no objects under source")
)

// Options configures the S3 client built by NewClient.
type Options struct {
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient builds an S3 client from static options. Empty credentials fall
// back to the AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY environment variables
// and then to anonymous access.
func NewClient(o Options) *s3.Client {
	region := o.Region
	if region == "" {
		region = "us-east-1"
	}
	key, secret := o.AccessKeyID, o.SecretAccessKey
	if key == "" {
		key, secret = os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	var creds aws.CredentialsProvider = aws.AnonymousCredentials{}
	if key != "" {
		creds = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: key, SecretAccessKey: secret, Source: "servd"}, nil
		}))
	}
	opts := s3.Options{
		Region:       region,
		Credentials:  creds,
		UsePathStyle: o.PathStyle,
	}
	if o.Endpoint != "" {
		opts.BaseEndpoint = aws.String(o.Endpoint)
	}
	return s3.New(opts)
}

// Resolver downloads s3://bucket/prefix sources into CacheDir and returns the
// local path. Objects already cached with the same size are not fetched again.
type Resolver struct {
	api      API
	cacheDir string
	log      zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewResolver(api API, cacheDir string, logger *zerolog.Logger) (*Resolver, error) {
	dir, err := fsutil.ExpandHome(cacheDir)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "servd-pull")
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Resolver{api: api, cacheDir: dir, log: l, locks: make(map[string]*sync.Mutex)}, nil
}

// sourceLock serializes downloads of the same source.
func (r *Resolver) sourceLock(src string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[src]
	if !ok {
		l = &sync.Mutex{}
		r.locks[src] = l
	}
	return l
}

func parseS3(src string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(src, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, src)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %s", src)
	}
	return bucket, strings.TrimSuffix(prefix, "/"), nil
}

// Resolve fetches every object under the source prefix. If the prefix names
// a single object the cached file is returned. Otherwise the returned path is
// the first .gguf file under the cached prefix, or the prefix directory.
func (r *Resolver) Resolve(ctx context.Context, src string) (string, error) {
	bucket, prefix, err := parseS3(src)
	if err != nil {
		return "", err
	}
	l := r.sourceLock(src)
	l.Lock()
	defer l.Unlock()

	p := s3.NewListObjectsV2Paginator(r.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	sizes := make(map[string]int64)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("list %s: %w", src, err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if k == "" || strings.HasSuffix(k, "/") {
				continue
			}
			// Keep prefix matches on path boundaries only: "m/1" must not match "m/10".
			if prefix != "" && k != prefix && !strings.HasPrefix(k, prefix+"/") {
				continue
			}
			keys = append(keys, k)
			sizes[k] = aws.ToInt64(obj.Size)
		}
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoObjects, src)
	}
	sort.Strings(keys)

	root := filepath.Join(r.cacheDir, bucket, filepath.FromSlash(prefix))
	for _, k := range keys {
		dst := filepath.Join(r.cacheDir, bucket, filepath.FromSlash(k))
		if err := r.fetch(ctx, bucket, k, dst, sizes[k]); err != nil {
			return "", err
		}
	}
	if len(keys) == 1 && keys[0] == prefix {
		return root, nil
	}
	for _, k := range keys {
		if strings.HasSuffix(strings.ToLower(path.Base(k)), ".gguf") {
			return filepath.Join(r.cacheDir, bucket, filepath.FromSlash(k)), nil
		}
	}
	return root, nil
}

func (r *Resolver) fetch(ctx context.Context, bucket, key, dst string, size int64) error {
	if fsutil.HasSize(dst, size) {
		r.log.Debug().Str("bucket", bucket).Str("key", key).Msg("pull cache hit")
		return nil
	}
	out, err := r.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	n, err := fsutil.WriteAtomic(dst, out.Body)
	if err != nil {
		return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	r.log.Info().Str("bucket", bucket).Str("key", key).Int64("bytes", n).Msg("pulled object")
	return nil
}
