package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
)

// S3Config locates the report bucket
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archiver writes reports to reports/<period>/<date>.json in a bucket
type S3Archiver struct {
	logger *zap.Logger
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver loads AWS configuration and builds the S3 client
func NewS3Archiver(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "reports"
	}
	return &S3Archiver{
		logger: logger.Named("report-archive"),
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// Key returns the object key of a report
func (a *S3Archiver) Key(report *model.JobReport) string {
	return path.Join(a.prefix, string(report.Period), report.Range.From.Format("2006-01-02")+".json")
}

// Archive implements Archiver
func (a *S3Archiver) Archive(ctx context.Context, report *model.JobReport) error {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	key := a.Key(report)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put report %s: %w", key, err)
	}
	a.logger.Info("Report archived", zap.String("bucket", a.bucket), zap.String("key", key))
	return nil
}
