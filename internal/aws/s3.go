package aws

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"moff.io/moff-vault/pkg/errors"
)

// Bucket stores generated images, such as connect QR codes.
type Bucket struct {
	name    string
	client  *s3.Client
	presign *s3.PresignClient
}

func NewBucket(ctx context.Context, name, region string) (*Bucket, error) {
	if name == "" || region == "" {
		return nil, errors.New("s3 bucket or region not present")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(cfg)
	return &Bucket{
		name:    name,
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

func (b *Bucket) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.name),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	return errors.WrapAndReport(err, "put object to s3")
}

func (b *Bucket) PresignedURL(ctx context.Context, key string, expire time.Duration) (string, error) {
	request, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expire))
	if err != nil {
		return "", errors.WithStackAndReport(err)
	}
	return request.URL, nil
}

// Share uploads body and returns a presigned URL valid for expire.
func (b *Bucket) Share(ctx context.Context, key, contentType string, body []byte, expire time.Duration) (string, error) {
	if err := b.Put(ctx, key, contentType, bytes.NewReader(body)); err != nil {
		return "", err
	}
	return b.PresignedURL(ctx, key, expire)
}
