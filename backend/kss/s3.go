package kss

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/omicsdm/server/core/logger"
)

// S3 is the implementation of the Driver interface for S3 compatible object stores
type S3 struct {
	config      aws.Config
	endpoint    string
	bucket      string
	baseKeyName string
}

// NewS3 returns a new S3 driver
func NewS3(kssConfig S3Configuration) (*S3, error) {
	if kssConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	cfg, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(kssConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(kssConfig.AccessID, kssConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("KSS S3 enabled")
	s := S3{cfg, kssConfig.Endpoint, kssConfig.AWSBucketName, kssConfig.KeyPrefix}
	return &s, nil
}

func (s S3) client() *s3.Client {
	return s3.NewFromConfig(s.config, func(o *s3.Options) {
		if s.endpoint != "" {
			// Ceph RGW speaks the S3 protocol but only with path-style keys
			o.EndpointResolver = s3.EndpointResolverFromURL(s.endpoint)
			o.UsePathStyle = true
		}
	})
}

// Delete deletes the key file
func (s S3) Delete(key string) error {
	logger.Default().Infoln("Deleting ", s.baseKeyName+key)

	input := &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	}
	_, err := s.client().DeleteObject(context.TODO(), input)
	if err != nil {
		logger.Default().Error("Could not delete ", s.baseKeyName+key)
		return err
	}
	return nil
}

// DeleteAllWithPrefix deletes all keys starting with prefix
func (s S3) DeleteAllWithPrefix(prefix string) error {
	client := s.client()

	keys, err := s.ListAllWithPrefix(prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		input := &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}
		_, err := client.DeleteObject(context.TODO(), input)
		if err != nil {
			logger.Default().Error("Could not delete ", key)
			return err
		}
	}
	return nil
}

// GetPreSignedURL returns a pre-signed URL that can be used with the given method
// until expireIn has passed. key must be a valid file name.
func (s S3) GetPreSignedURL(method Method, key string, expireIn time.Duration) (URL string, err error) {
	client := s3.NewPresignClient(s.client())

	var resp *v4.PresignedHTTPRequest
	switch method {
	case Get:
		resp, err = client.PresignGetObject(context.TODO(), &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.baseKeyName + key),
		}, s3.WithPresignExpires(expireIn))
	case Put:
		resp, err = client.PresignPutObject(context.TODO(), &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.baseKeyName + key),
		}, s3.WithPresignExpires(expireIn))
	default:
		err = fmt.Errorf("%s unsupported method to presign '%s'", method, s.baseKeyName+key)
	}
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// UploadData uploads data into a new key object
func (s S3) UploadData(key string, data []byte) error {
	uploader := manager.NewUploader(s.client())

	_, err := uploader.Upload(context.TODO(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload file, %v", err)
	}
	return nil
}

// ListAllWithPrefix lists all keys with prefix
func (s S3) ListAllWithPrefix(prefix string) (keys []string, err error) {
	client := s.client()

	var continuationToken *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.baseKeyName + prefix),
			ContinuationToken: continuationToken,
		}
		var resp *s3.ListObjectsV2Output
		resp, err = client.ListObjectsV2(context.TODO(), input)
		if err != nil {
			logger.Default().Error("Could not ListObjectsV2 from ", s.bucket)
			return
		}
		for _, item := range resp.Contents {
			keys = append(keys, *item.Key)
		}
		continuationToken = resp.NextContinuationToken
		if resp.NextContinuationToken == nil {
			break
		}
	}
	return
}
