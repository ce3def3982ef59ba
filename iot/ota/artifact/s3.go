package artifact

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/relabs-tech/gartenio/core/logger"
)

// S3Configuration configures the S3 artifact driver.
type S3Configuration struct {
	AWSBucketName string
	AWSRegion     string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
}

// S3 is the AWS S3 implementation of the artifact Driver.
type S3 struct {
	config    aws.Config
	bucket    string
	keyPrefix string
}

// NewS3 returns a new S3 driver.
func NewS3(s3Config S3Configuration) (*S3, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	awsConfig, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(s3Config.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("S3 artifact store enabled")
	return &S3{config: awsConfig, bucket: s3Config.AWSBucketName, keyPrefix: s3Config.KeyPrefix}, nil
}

// PresignedDownloadURL implements Driver.
func (s *S3) PresignedDownloadURL(ctx context.Context, key string, expiry time.Time) (string, error) {
	client := s3.NewPresignClient(s3.NewFromConfig(s.config))
	request, err := client.PresignGetObject(ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.keyPrefix + key),
		},
		s3.WithPresignExpires(time.Until(expiry)),
	)
	if err != nil {
		return "", fmt.Errorf("cannot presign %s: %w", key, err)
	}
	return request.URL, nil
}
