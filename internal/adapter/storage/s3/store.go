// Package s3 implements the object store against any S3-compatible endpoint.
// Keys are deterministic: tasks/{task_id}/ for task inputs and
// tasks/{task_id}/trials/{trial_id}/ for trial artifacts.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oddish-run/oddish/internal/domain"
)

// Store implements domain.ObjectStore on aws-sdk-go-v2.
type Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

// Options configures a Store. Endpoint may point at MinIO or any other
// S3-compatible service.
type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// New builds a Store from static credentials and an optional custom endpoint.
func New(ctx context.Context, opts Options) (*Store, error) {
	loaders := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("op=s3.new: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    opts.Bucket,
	}, nil
}

// TaskPrefix returns the key prefix holding a task's inputs.
func TaskPrefix(taskID string) string { return "tasks/" + taskID + "/" }

// TrialPrefix returns the key prefix holding a trial's artifacts. The trial
// id embeds its task id before the last dash.
func TrialPrefix(trialID string) string {
	taskID := trialID
	if i := strings.LastIndex(trialID, "-"); i > 0 {
		taskID = trialID[:i]
	}
	return "tasks/" + taskID + "/trials/" + trialID + "/"
}

// UploadDirectory recursively uploads every file under localDir to prefix.
func (s *Store) UploadDirectory(ctx domain.Context, prefix, localDir string) error {
	return filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("op=s3.upload_dir open %s: %w", path, err)
		}
		defer f.Close()
		key := prefix + filepath.ToSlash(rel)
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		if err != nil {
			return fmt.Errorf("op=s3.upload_dir key=%s: %w", key, err)
		}
		return nil
	})
}

// DownloadPrefix materializes every object under prefix into localDir,
// preserving relative paths.
func (s *Store) DownloadPrefix(ctx domain.Context, prefix, localDir string) error {
	keys, err := s.ListKeys(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("op=s3.download_prefix prefix=%s: %w", prefix, domain.ErrNotFound)
	}
	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		if rel == "" {
			continue
		}
		dst := filepath.Join(localDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("op=s3.download_prefix mkdir %s: %w", dst, err)
		}
		raw, err := s.DownloadBytes(ctx, key)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dst, raw, 0o644); err != nil {
			return fmt.Errorf("op=s3.download_prefix write %s: %w", dst, err)
		}
	}
	return nil
}

// ListKeys enumerates all keys under prefix, paginating internally.
func (s *Store) ListKeys(ctx domain.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("op=s3.list_keys prefix=%s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}

// DownloadBytes fetches one object.
func (s *Store) DownloadBytes(ctx domain.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("op=s3.download key=%s: %w", key, err)
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("op=s3.download read key=%s: %w", key, err)
	}
	return raw, nil
}

// DownloadText fetches one object as a string.
func (s *Store) DownloadText(ctx domain.Context, key string) (string, error) {
	raw, err := s.DownloadBytes(ctx, key)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// UploadBytes stores one object.
func (s *Store) UploadBytes(ctx domain.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("op=s3.upload key=%s: %w", key, err)
	}
	return nil
}

// Presign returns a time-limited GET URL for one object.
func (s *Store) Presign(ctx domain.Context, key string, ttl time.Duration) (string, error) {
	out, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("op=s3.presign key=%s: %w", key, err)
	}
	return out.URL, nil
}
