package fileio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/utils"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// S3Config holds explicit S3 parameters; empty fields fall back to the default AWS chain.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // optional, e.g. MinIO
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	PathStyle       bool   `yaml:"path_style"`
}

// S3 stores artifacts in S3 compatible object storage. Any bucket may be addressed.
type S3 struct {
	client   *s3.Client
	cacheDir string
	cache    map[string]string
	mu       sync.Mutex
	logTag   string
}

var _ FS = (*S3)(nil)

func NewS3(ctx context.Context, cfg S3Config, cacheDir string) (*S3, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3WithClient(client, cacheDir), nil
}

func NewS3WithClient(client *s3.Client, cacheDir string) *S3 {
	return &S3{client: client, cacheDir: cacheDir, cache: map[string]string{}, logTag: "S3:"}
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, SchemeS3) {
		err = fmt.Errorf("%w: %s", ErrUnsupportedScheme, uri)
		return
	}
	rest := strings.TrimPrefix(uri, SchemeS3)
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		err = fmt.Errorf("fileio: missing bucket in %s", uri)
	}
	return
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (s *S3) Read(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", uri, ErrNotExist)
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3) Write(ctx context.Context, uri string, data []byte) error {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{Bucket: &bucket, Key: &key, Body: bytes.NewReader(data)})
	s.forget(uri)
	return err
}

func (s *S3) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Stat versions objects by ETag.
func (s *S3) Stat(ctx context.Context, uri string) (Info, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return Info{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return Info{}, fmt.Errorf("%s: %w", uri, ErrNotExist)
		}
		return Info{}, err
	}
	return Info{Size: aws.ToInt64(out.ContentLength), Version: aws.ToString(out.ETag)}, nil
}

func (s *S3) List(ctx context.Context, prefix string) (ret []string, err error) {
	bucket, key, err := ParseS3URI(prefix)
	if err != nil {
		return
	}
	var token *string
	for {
		out, lerr := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &bucket, Prefix: &key, ContinuationToken: token})
		if lerr != nil {
			return nil, lerr
		}
		for _, obj := range out.Contents {
			ret = append(ret, SchemeS3+bucket+"/"+aws.ToString(obj.Key))
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Strings(ret)
	return
}

func (s *S3) Delete(ctx context.Context, uri string) error {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key})
	s.forget(uri)
	return err
}

// forget drops the cached download of uri.
func (s *S3) forget(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache[uri]; ok {
		os.RemoveAll(filepath.Dir(p))
		delete(s.cache, uri)
	}
}

// LocalPath downloads uri once into a uuid named dir below the cache dir.
func (s *S3) LocalPath(ctx context.Context, uri string) (p string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache[uri]; ok {
		return p, nil
	}
	data, err := s.Read(ctx, uri)
	if err != nil {
		return
	}
	root := s.cacheDir
	if root == "" {
		root = os.TempDir()
	}
	dir, err := utils.GetUniqSubDir(root)
	if err != nil {
		return
	}
	p = filepath.Join(dir, path.Base(uri))
	if err = os.WriteFile(p, data, 0o644); err != nil {
		return
	}
	log.Info(s.logTag+"downloaded object", zap.String("uri", uri), zap.String("path", p), zap.Int("bytes", len(data)))
	s.cache[uri] = p
	return
}
