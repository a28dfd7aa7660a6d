package media

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
)

// Storage persists walk photos and returns a publicly reachable URL.
type Storage interface {
	Upload(data []byte, contentType, folder string) (string, error)
}

// S3Config holds the object storage connection settings. All values
// come from the environment so credentials never live in source.
type S3Config struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string
}

func S3ConfigFromEnv() S3Config {
	return S3Config{
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		Bucket:    os.Getenv("S3_BUCKET"),
		Region:    envOr("S3_REGION", "us-east-1"),
		Endpoint:  os.Getenv("S3_ENDPOINT"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Configured reports whether enough settings are present to talk to
// object storage. When false the server falls back to local storage.
func (c S3Config) Configured() bool {
	return c.AccessKey != "" && c.SecretKey != "" && c.Bucket != "" && c.Endpoint != ""
}

// S3Storage uploads photos to an S3-compatible object store.
type S3Storage struct {
	cfg    S3Config
	client *s3.S3
}

func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("object storage is not configured")
	}
	sess, err := session.NewSession(&aws.Config{
		Region:   aws.String(cfg.Region),
		Endpoint: aws.String(cfg.Endpoint),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKey, cfg.SecretKey, "",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("open storage session: %w", err)
	}
	return &S3Storage{cfg: cfg, client: s3.New(sess)}, nil
}

// Upload stores the file under folder with a generated name and
// returns the public URL.
func (s *S3Storage) Upload(data []byte, contentType, folder string) (string, error) {
	name := uuid.New().String() + extFor(contentType)
	key := path.Join(folder, name)

	_, err := s.client.PutObject(&s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		ACL:           aws.String("public-read"),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	host := strings.TrimPrefix(s.cfg.Endpoint, "https://")
	host = strings.TrimPrefix(host, "http://")
	return fmt.Sprintf("https://%s.%s/%s", s.cfg.Bucket, host, key), nil
}

func extFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
