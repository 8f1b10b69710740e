// Package snapshot archives fetched pages to S3 so evidence rows stay
// auditable after the live page changes or disappears.
package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/commonsmap/pulse/internal/util"
	"github.com/commonsmap/pulse/pkg/common"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func NewS3Client(ctx context.Context) *s3.Client {
	region := util.GetEnv("AWS_REGION")
	endpoint := util.GetEnv("AWS_ENDPOINT")
	accessKey := util.GetEnv("AWS_ACCESS_KEY")
	secretKey := util.GetEnv("AWS_SECRET_KEY")

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			secretKey,
			"",
		)),
	)
	if err != nil {
		return nil
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
}

// Archiver writes page snapshots under pages/<content-hash>.txt. The key
// is derived from the content hash, so re-archiving an unchanged page is
// an idempotent overwrite.
type Archiver struct {
	client *s3.Client
	bucket string
}

func NewArchiver(client *s3.Client, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket}
}

func (a *Archiver) Archive(ctx context.Context, page *common.RawPage) (string, error) {
	key := fmt.Sprintf("pages/%s.txt", page.ContentHash)
	body := fmt.Sprintf("%s\n\n%s", page.URL, page.Content)

	err := util.RetryErrWithContext(ctx, 3, func(ctx context.Context) error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        strings.NewReader(body),
			ContentType: aws.String("text/plain; charset=utf-8"),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive page to S3: %w", err)
	}

	return key, nil
}
