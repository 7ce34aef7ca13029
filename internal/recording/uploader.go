package recording

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores a finished recording and returns where it can be fetched.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader) (string, error)
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Key derives the object key for a recording of name created at t.
func Key(prefix, name string, t time.Time) string {
	clean := unsafeKeyChars.ReplaceAllString(name, "-")
	if clean == "" || clean == "-" {
		clean = "meeting"
	}
	file := clean + "-" + strconv.FormatInt(t.UnixMilli(), 10) + ".wav"
	if prefix == "" {
		return file
	}
	return prefix + "/" + file
}

// S3Uploader uploads recordings with the multipart upload manager.
type S3Uploader struct {
	bucket   string
	uploader *manager.Uploader
}

// NewS3Uploader loads the default AWS credential chain for region.
func NewS3Uploader(ctx context.Context, region, bucket string) (*S3Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Uploader{
		bucket:   bucket,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body io.Reader) (string, error) {
	out, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("audio/wav"),
	})
	if err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", u.bucket, key, err)
	}
	return out.Location, nil
}

// LocalUploader copies recordings into a directory.
type LocalUploader struct {
	Dir string
}

func (u LocalUploader) Upload(_ context.Context, key string, body io.Reader) (string, error) {
	dst := filepath.Join(u.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create recording: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", fmt.Errorf("copy recording: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close recording: %w", err)
	}
	abs, err := filepath.Abs(dst)
	if err != nil {
		abs = dst
	}
	return "file://" + filepath.ToSlash(abs), nil
}
