// Package storage holds the object-store client used to resolve
// citation source documents into downloadable links.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/korelab/kora/internal/util"
)

// DownloadLinkTTL bounds how long a presigned citation source link
// stays valid.
const DownloadLinkTTL = 15 * time.Minute

func NewS3Client(ctx context.Context) (*s3.Client, error) {
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
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return client, nil
}

// IsObjectURI reports whether uri points at the object store rather
// than a plain web address.
func IsObjectURI(uri string) bool {
	return strings.HasPrefix(uri, "s3://")
}

// ParseObjectURI splits an s3://bucket/key source URI.
func ParseObjectURI(uri string) (bucket string, key string, err error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid object uri %q: %w", uri, err)
	}
	if parsed.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid object uri %q: scheme must be s3", uri)
	}
	bucket = parsed.Host
	key = strings.TrimPrefix(parsed.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid object uri %q: missing bucket or key", uri)
	}
	return bucket, key, nil
}

// PresignDownload returns a time-limited GET link for the object. When
// AWS_PUBLIC_ENDPOINT is set the request is signed against it, so the
// signature matches the Host header browsers send when the store sits
// behind a public proxy.
func PresignDownload(ctx context.Context, baseClient *s3.Client, bucket, key string) (string, error) {
	signClient := baseClient
	prefix := ""

	if publicEndpoint := util.GetEnv("AWS_PUBLIC_ENDPOINT"); publicEndpoint != "" {
		publicURL, err := url.Parse(publicEndpoint)
		if err != nil || publicURL.Scheme == "" || publicURL.Host == "" {
			return "", fmt.Errorf("invalid AWS_PUBLIC_ENDPOINT: %s", publicEndpoint)
		}
		prefix = strings.TrimSuffix(publicURL.Path, "/")

		signClient = s3.NewFromConfig(
			aws.Config{
				Region:      baseClient.Options().Region,
				Credentials: baseClient.Options().Credentials,
				HTTPClient:  baseClient.Options().HTTPClient,
			},
			func(o *s3.Options) {
				o.BaseEndpoint = aws.String(fmt.Sprintf("%s://%s", publicURL.Scheme, publicURL.Host))
				o.UsePathStyle = true
			},
		)
	}

	presigner := s3.NewPresignClient(signClient)
	out, err := presigner.PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(DownloadLinkTTL),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate download link: %w", err)
	}

	if prefix != "" {
		signedURL, parseErr := url.Parse(out.URL)
		if parseErr != nil {
			return "", fmt.Errorf("failed to parse presigned url: %w", parseErr)
		}
		signedURL.Path = prefix + signedURL.Path
		return signedURL.String(), nil
	}

	return out.URL, nil
}
