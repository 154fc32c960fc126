// internal/media/s3.go
// Package media verifies that entry media hosted in the platform bucket exists
// before an entry referencing it is accepted.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	errordefs "github.com/RegistryAccord/registryaccord-battle-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
)

// DurationMetadataKey is the user metadata key (x-amz-meta-duration) holding media length in seconds.
const DurationMetadataKey = "duration"

// headObjectAPI is the subset of *s3.Client used here.
type headObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Client checks media objects in the platform bucket.
type S3Client struct {
	client     headObjectAPI
	bucket     string // S3 bucket name for media storage
	publicHost string // Host that serves the bucket publicly; other hosts are not checked
}

// NewS3Client creates a new S3 client for media verification.
// It supports both AWS S3 and S3-compatible services like MinIO.
func NewS3Client(endpoint, region, bucket, accessKey, secretKey, publicHost string) (*S3Client, error) {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return newS3Client(client, bucket, publicHost), nil
}

func newS3Client(client headObjectAPI, bucket, publicHost string) *S3Client {
	return &S3Client{client: client, bucket: bucket, publicHost: strings.ToLower(publicHost)}
}

// object is the metadata of one verified media object.
type object struct {
	contentType string
	duration    float64
}

// headObject fetches metadata for the object behind rawURL.
// ok is false when rawURL is not served from the bucket.
func (s *S3Client) headObject(ctx context.Context, field, rawURL string) (obj object, ok bool, err error) {
	u, err := url.Parse(rawURL)
	if err != nil || strings.ToLower(u.Hostname()) != s.publicHost {
		return object{}, false, nil
	}
	key := strings.TrimPrefix(u.Path, "/")

	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return object{}, true, errordefs.Validation(field, "media object does not exist")
		}
		return object{}, true, errordefs.Wrap(errordefs.BTL_UNAVAILABLE, "failed to verify media object", err)
	}

	obj.contentType = aws.ToString(result.ContentType)
	if v, found := result.Metadata[DurationMetadataKey]; found {
		if d, perr := strconv.ParseFloat(v, 64); perr == nil && d > 0 {
			obj.duration = d
		}
	}
	return obj, true, nil
}

func checkType(field string, kind model.MediaKind, contentType string) error {
	if contentType == "" || kind == model.KindMixed {
		return nil
	}
	if !strings.HasPrefix(contentType, string(kind)+"/") {
		return errordefs.Validation(field, fmt.Sprintf("media object is %s, not %s", contentType, kind))
	}
	return nil
}

// VerifyContent checks every bucket-hosted URL in content and returns a copy
// with missing durations filled from object metadata.
func (s *S3Client) VerifyContent(ctx context.Context, content model.Content) (model.Content, error) {
	out := content
	out.AdditionalMedia = append([]model.MediaItem(nil), content.AdditionalMedia...)

	if content.MediaURL != "" {
		obj, ok, err := s.headObject(ctx, "content.mediaUrl", content.MediaURL)
		if err != nil {
			return content, err
		}
		if ok {
			if err := checkType("content.mediaUrl", content.Kind, obj.contentType); err != nil {
				return content, err
			}
			if out.Duration == 0 {
				out.Duration = obj.duration
			}
		}
	}

	for i, item := range out.AdditionalMedia {
		field := fmt.Sprintf("content.additionalMedia[%d].url", i)
		obj, ok, err := s.headObject(ctx, field, item.URL)
		if err != nil {
			return content, err
		}
		if !ok {
			continue
		}
		if err := checkType(field, item.Type, obj.contentType); err != nil {
			return content, err
		}
		if item.Duration == 0 {
			out.AdditionalMedia[i].Duration = obj.duration
		}
	}
	return out, nil
}
