package s3

import (
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"dropxfer/pkg/config"
)

// NewSession builds the aws session shared by the plain client and the upload manager.
func NewSession(cfg *config.S3Config) (*session.Session, error) {
	readTimeout := time.Duration(cfg.ReadTimeoutSeconds) * time.Second
	httpClient := &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: readTimeout,
			ExpectContinueTimeout: 5 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	retryer := client.DefaultRetryer{
		NumMaxRetries:    cfg.MaxRetries,
		MinRetryDelay:    time.Duration(cfg.RetryDelaySeconds) * time.Second,
		MaxRetryDelay:    time.Duration(cfg.MaxRetryDelaySeconds) * time.Second,
		MinThrottleDelay: time.Duration(cfg.RetryDelaySeconds) * time.Second,
		MaxThrottleDelay: time.Duration(cfg.MaxRetryDelaySeconds) * time.Second,
	}

	return session.NewSession(&aws.Config{
		Region:           aws.String(cfg.Region),
		Endpoint:         aws.String(cfg.Endpoint),
		S3ForcePathStyle: aws.Bool(true),
		HTTPClient:       httpClient,
		Retryer:          retryer,
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		),
	})
}

func CreateS3Client(cfg *config.S3Config) (*s3.S3, *session.Session, error) {
	sess, err := NewSession(cfg)
	if err != nil {
		return nil, nil, err
	}
	return s3.New(sess), sess, nil
}
