package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

// ObjectAPI is the subset of *s3.Client used by ObjectBackend.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// ObjectConfig configures an S3-compatible object storage backend.
type ObjectConfig struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// ObjectBackend stores backups as prefix-addressed objects: {prefix}/{account}/{name}.json.
type ObjectBackend struct {
	api    ObjectAPI
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewS3Client builds an S3 client for any S3-compatible endpoint (AWS, R2, MinIO).
func NewS3Client(ctx context.Context, cfg ObjectConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object storage config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewObjectBackend creates an object storage backend on top of an S3 API client.
func NewObjectBackend(api ObjectAPI, bucket, prefix string, log zerolog.Logger) *ObjectBackend {
	return &ObjectBackend{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    log.With().Str("backend", "object").Str("bucket", bucket).Logger(),
	}
}

func (b *ObjectBackend) Name() string { return "object" }

func (b *ObjectBackend) accountPrefix(accountID string) string {
	if b.prefix == "" {
		return accountID + "/"
	}
	return b.prefix + "/" + accountID + "/"
}

// Put implements Backend.Put
func (b *ObjectBackend) Put(ctx context.Context, rec *models.BackupRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}

	key := b.accountPrefix(rec.AccountID) + EntryName(rec.AccountID, rec.DataType, rec.Timestamp) + ".json"
	_, err = b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"account-id": rec.AccountID,
			"data-type":  string(rec.DataType),
			"hash":       rec.Hash,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}
	return nil
}

// Latest implements Backend.Latest using upload time ordering.
func (b *ObjectBackend) Latest(ctx context.Context, accountID string, dataType models.DataType) (*models.BackupRecord, error) {
	entries, err := b.List(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.DataType != dataType {
			continue
		}
		out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.accountPrefix(accountID) + entry.Name),
		})
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		} else if err != nil {
			return nil, fmt.Errorf("failed to download backup: %w", err)
		}
		defer out.Body.Close()

		buf, err := io.ReadAll(out.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read backup: %w", err)
		}
		var rec models.BackupRecord
		if err := json.Unmarshal(buf, &rec); err != nil {
			return nil, fmt.Errorf("%w: %s is not valid JSON", ErrIntegrity, entry.Name)
		}
		return &rec, nil
	}
	return nil, ErrNotFound
}

// List implements Backend.List. Entries are ordered by upload time, newest first.
func (b *ObjectBackend) List(ctx context.Context, accountID string) ([]models.BackupEntry, error) {
	prefix := b.accountPrefix(accountID)
	paginator := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	var entries []models.BackupEntry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := path.Base(key)
			acct, dt, ts, ok := ParseEntryName(name)
			if !ok || acct != accountID {
				continue
			}
			if obj.LastModified != nil {
				ts = obj.LastModified.UTC()
			}
			entries = append(entries, models.BackupEntry{
				Name:      name,
				AccountID: acct,
				DataType:  dt,
				Timestamp: ts,
				Size:      aws.ToInt64(obj.Size),
			})
		}
	}
	sortNewestFirst(entries)
	return entries, nil
}

// Remove implements Backend.Remove
func (b *ObjectBackend) Remove(ctx context.Context, entry models.BackupEntry) error {
	_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.accountPrefix(entry.AccountID) + entry.Name),
	})
	if err != nil {
		return fmt.Errorf("failed to delete backup object: %w", err)
	}
	return nil
}
