package archive

import (
	"bytes"
	"context"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/blingmoon/equipment-procurement/workflow"
	"github.com/pkg/errors"
)

const (
	defaultRegion = "us-east-1"
	// maxNameAttempts 同名文档最多尝试的序号
	maxNameAttempts = 100
)

// S3Config S3兼容存储(AWS S3, MinIO)的参数
type S3Config struct {
	Region          string
	Bucket          string
	Endpoint        string // 自建存储的地址, 为空使用AWS
	AccessKeyID     string // 为空走默认的凭证链
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
}

// S3Archive 目录是key前缀, 目录本身用占位对象表示
type S3Archive struct {
	client *s3.Client
	bucket string
}

var _ workflow.DocumentArchive = (*S3Archive)(nil)

func NewS3(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.WithMessage(err, "load aws config failed")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3WithClient(client, cfg.Bucket), nil
}

func NewS3WithClient(client *s3.Client, bucket string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket}
}

func (s *S3Archive) EnsureFolder(ctx context.Context, name string, parentRef string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("folder name is empty")
	}
	ref := joinRef(parentRef, name)
	marker := ref + "/" + folderMarker
	exists, err := s.exists(ctx, marker)
	if err != nil {
		return "", err
	}
	if exists {
		return ref, nil
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(marker),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return "", errors.WithMessagef(err, "create folder %s failed", ref)
	}
	slog.DebugContext(ctx, "archive folder created", "bucket", s.bucket, "ref", ref)
	return ref, nil
}

func (s *S3Archive) Store(ctx context.Context, folderRef string, doc *workflow.Document) (string, error) {
	if doc == nil || doc.Name == "" {
		return "", errors.New("document name is empty")
	}
	for attempt := 1; attempt <= maxNameAttempts; attempt++ {
		key := candidateRef(folderRef, doc.Name, attempt)
		exists, err := s.exists(ctx, key)
		if err != nil {
			return "", err
		}
		if exists {
			continue
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(doc.Content),
			ContentLength: aws.Int64(int64(len(doc.Content))),
			ContentType:   aws.String(mimeTypeOf(doc)),
		})
		if err != nil {
			return "", errors.WithMessagef(err, "store document %s failed", key)
		}
		return key, nil
	}
	return "", errors.Errorf("too many documents named %s in %s", doc.Name, folderRef)
}

func (s *S3Archive) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, errors.WithMessagef(err, "head object %s failed", key)
}
