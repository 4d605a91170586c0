package repository

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// S3MediaConfig configures an S3-compatible media store.
type S3MediaConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3MediaStore keeps media bytes in an S3-compatible bucket under
// content-addressed keys: <prefix>/<type>/<hh>/<hh>/<hash>. Media type
// and MIME type travel as object metadata.
type S3MediaStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3MediaStore builds an S3-backed media store.
func NewS3MediaStore(ctx context.Context, cfg S3MediaConfig) (*S3MediaStore, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, apperr.New(apperr.KindConfig, "media.s3", errors.New("s3 bucket is required"), nil)
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "media.s3", err, nil)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3MediaStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3MediaStore) key(mediaType, hash string) string {
	if mediaType == "" {
		mediaType = "unknown"
	}
	return path.Join(s.prefix, mediaType, hash[0:2], hash[2:4], hash)
}

// StoreMedia uploads data unless an object with the same content hash
// already exists.
func (s *S3MediaStore) StoreMedia(ctx context.Context, data []byte, meta models.MediaMetadata) (*models.MediaReference, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	key := s.key(meta.MediaType, hash)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if !isS3NotFound(err) {
			return nil, apperr.New(apperr.KindStorage, "media.store", err, nil)
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(meta.MIMEType),
			Metadata: map[string]string{
				"media-type": meta.MediaType,
			},
		})
		if err != nil {
			return nil, apperr.New(apperr.KindStorage, "media.store", err, nil)
		}
	}

	return &models.MediaReference{
		ID:             uuid.NewString(),
		ContentHash:    hash,
		StorageBackend: "s3",
		StoragePath:    key,
		SizeBytes:      int64(len(data)),
		MediaType:      meta.MediaType,
		MIMEType:       meta.MIMEType,
	}, nil
}

// LoadMedia downloads the referenced object, verifying the content hash.
func (s *S3MediaStore) LoadMedia(ctx context.Context, ref *models.MediaReference) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref.StoragePath),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, apperr.NotFound("media.load", "media", ref.ID)
		}
		return nil, apperr.New(apperr.KindStorage, "media.load", err, nil)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.New(apperr.KindStorage, "media.load", err, nil)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != ref.ContentHash {
		return nil, apperr.New(apperr.KindStorage, "media.load",
			fmt.Errorf("content hash mismatch: object hashes to %s", got), nil)
	}
	return data, nil
}

// GetMediaByHash searches the bucket for an object with the hash under
// any media type prefix.
func (s *S3MediaStore) GetMediaByHash(ctx context.Context, hash string) (*models.MediaReference, error) {
	if len(hash) < 4 {
		return nil, apperr.Validation("media.get_by_hash", "hash", "hash too short")
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperr.New(apperr.KindStorage, "media.get_by_hash", err, nil)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if path.Base(key) != hash {
				continue
			}
			parts := strings.Split(strings.TrimPrefix(key, s.prefix+"/"), "/")
			mediaType := "unknown"
			if len(parts) > 0 {
				mediaType = parts[0]
			}
			return &models.MediaReference{
				ID:             uuid.NewString(),
				ContentHash:    hash,
				StorageBackend: "s3",
				StoragePath:    key,
				SizeBytes:      aws.ToInt64(obj.Size),
				MediaType:      mediaType,
			}, nil
		}
	}
	return nil, apperr.NotFound("media.get_by_hash", "media", hash)
}

func isS3NotFound(err error) bool {
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}
