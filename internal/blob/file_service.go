package blob

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	cfg "classwatch/internal/config"
)

// uploadAttempts is the fixed retry budget for uploads, the most
// failure-prone external call in the pipeline.
const uploadAttempts = 3

// FileService is the blob store surface used by the workers: objects are
// addressed by path string and moved to and from local files.
type FileService interface {
	// DownloadFile fetches the object at key into localPath
	DownloadFile(ctx context.Context, key, localPath string) error

	// UploadFile stores localPath at key with attached metadata, retrying
	// with exponential backoff before giving up
	UploadFile(ctx context.Context, localPath, key string, metadata map[string]string) error

	// DeleteFile removes the object at key
	DeleteFile(ctx context.Context, key string) error

	// ObjectSize returns the stored object's size in bytes
	ObjectSize(ctx context.Context, key string) (int64, error)

	TestConnection(ctx context.Context) error
}

type fileService struct {
	s3     *s3.Client
	bucket string
	region string
}

func NewFileService(conf cfg.S3Config) (FileService, error) {
	credProvider := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     conf.AccessKey,
			SecretAccessKey: conf.SecretKey,
		}, nil
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(conf.Region),
		awsconfig.WithCredentialsProvider(credProvider),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg)

	return &fileService{
		s3:     client,
		bucket: conf.Bucket,
		region: conf.Region,
	}, nil
}

// DownloadFile fetches an object into a local file.
func (s *fileService) DownloadFile(ctx context.Context, key, localPath string) error {
	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file %s: %w", localPath, err)
	}
	defer file.Close()

	downloader := manager.NewDownloader(s.s3)
	_, err = downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		os.Remove(localPath)
		log.Error().Err(err).Str("key", key).Msg("Failed to download object")
		return fmt.Errorf("failed to download %s: %w", key, err)
	}

	log.Debug().Str("key", key).Str("localPath", localPath).Msg("Downloaded object")
	return nil
}

// UploadFile stores a local file under key, retrying with exponential
// backoff. Metadata keys/values ride along on the object.
func (s *fileService) UploadFile(ctx context.Context, localPath, key string, metadata map[string]string) error {
	var lastErr error
	backoff := 1 * time.Second

	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		lastErr = s.uploadOnce(ctx, localPath, key, metadata)
		if lastErr == nil {
			log.Debug().Str("key", key).Int("attempt", attempt).Msg("Uploaded object")
			return nil
		}

		log.Warn().
			Err(lastErr).
			Str("key", key).
			Int("attempt", attempt).
			Msg("Upload attempt failed")

		if attempt < uploadAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}

	return fmt.Errorf("upload of %s failed after %d attempts: %w", key, uploadAttempts, lastErr)
}

func (s *fileService) uploadOnce(ctx context.Context, localPath, key string, metadata map[string]string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file %s: %w", localPath, err)
	}
	defer file.Close()

	uploader := manager.NewUploader(s.s3)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     file,
		Metadata: metadata,
	})
	return err
}

// DeleteFile removes the object at key.
func (s *fileService) DeleteFile(ctx context.Context, key string) error {
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to delete object")
		return err
	}

	return nil
}

// ObjectSize returns the stored object's size in bytes.
func (s *fileService) ObjectSize(ctx context.Context, key string) (int64, error) {
	head, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, err
	}

	return aws.ToInt64(head.ContentLength), nil
}

func (s *fileService) TestConnection(ctx context.Context) error {
	_, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	log.Err(err).Msg("S3 connection test")

	return err
}
