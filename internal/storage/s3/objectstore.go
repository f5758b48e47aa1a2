// Package s3 provides the object-store gateway for program and result blobs.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/models"
)

// ObjectStore mediates program and result blobs through an S3 bucket.
// Object keys are derived from the job id here and nowhere else.
type ObjectStore struct {
	client      *awss3.Client
	presigner   *awss3.PresignClient
	bucket      string
	uploadTTL   time.Duration
	downloadTTL time.Duration
	logger      *common.Logger
}

// NewObjectStore creates an object-store gateway for the given bucket.
func NewObjectStore(client *awss3.Client, bucket string, uploadTTL, downloadTTL time.Duration, logger *common.Logger) *ObjectStore {
	return &ObjectStore{
		client:      client,
		presigner:   awss3.NewPresignClient(client),
		bucket:      bucket,
		uploadTTL:   uploadTTL,
		downloadTTL: downloadTTL,
		logger:      logger,
	}
}

var _ interfaces.ObjectStore = (*ObjectStore)(nil)

func programKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/program", jobID)
}

func resultKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/result", jobID)
}

// ResultKey returns the object key a worker's result lands under.
func (o *ObjectStore) ResultKey(jobID string) string {
	return resultKey(jobID)
}

// PutProgram uploads the program payload with the given object tags and
// returns its key.
func (o *ObjectStore) PutProgram(ctx context.Context, jobID string, program []byte, tags map[string]string) (string, error) {
	key := programKey(jobID)

	input := &awss3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(program),
	}
	if len(tags) > 0 {
		input.Tagging = aws.String(encodeTags(tags))
	}

	err := common.RetryOnce(ctx, func() error {
		input.Body = bytes.NewReader(program)
		_, err := o.client.PutObject(ctx, input)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload program for job %s: %w", jobID, err)
	}

	o.logger.Debug().Str("job_id", jobID).Str("key", key).Int("bytes", len(program)).Msg("Program uploaded")
	return key, nil
}

// GetProgram fetches the program payload for dispatch.
func (o *ObjectStore) GetProgram(ctx context.Context, jobID string) ([]byte, error) {
	key := programKey(jobID)

	var out *awss3.GetObjectOutput
	err := common.RetryOnce(ctx, func() error {
		var err error
		out, err = o.client.GetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("program object missing for job %s: %w", jobID, err)
		}
		return nil, fmt.Errorf("failed to fetch program for job %s: %w", jobID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read program body for job %s: %w", jobID, err)
	}
	return data, nil
}

// DeleteProgram removes an uploaded program. Used to roll back a submission
// whose record write failed; a missing object is not an error.
func (o *ObjectStore) DeleteProgram(ctx context.Context, jobID string) error {
	key := programKey(jobID)

	err := common.RetryOnce(ctx, func() error {
		_, err := o.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete program for job %s: %w", jobID, err)
	}
	return nil
}

// PresignResultUpload issues a time-limited PUT URL for the job's result key.
func (o *ObjectStore) PresignResultUpload(ctx context.Context, jobID string) (*models.SignedURL, error) {
	req, err := o.presigner.PresignPutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(resultKey(jobID)),
	}, awss3.WithPresignExpires(o.uploadTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to presign result upload for job %s: %w", jobID, err)
	}
	return &models.SignedURL{URL: req.URL, ExpiresAt: time.Now().Add(o.uploadTTL)}, nil
}

// PresignResultDownload issues a time-limited GET URL for the job's result key.
func (o *ObjectStore) PresignResultDownload(ctx context.Context, jobID string) (*models.SignedURL, error) {
	req, err := o.presigner.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(resultKey(jobID)),
	}, awss3.WithPresignExpires(o.downloadTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to presign result download for job %s: %w", jobID, err)
	}
	return &models.SignedURL{URL: req.URL, ExpiresAt: time.Now().Add(o.downloadTTL)}, nil
}

// TagResult applies object tags to an uploaded result.
func (o *ObjectStore) TagResult(ctx context.Context, jobID string, tags map[string]string) error {
	tagSet := make([]s3types.Tag, 0, len(tags))
	for k, v := range tags {
		tagSet = append(tagSet, s3types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	err := common.RetryOnce(ctx, func() error {
		_, err := o.client.PutObjectTagging(ctx, &awss3.PutObjectTaggingInput{
			Bucket:  aws.String(o.bucket),
			Key:     aws.String(resultKey(jobID)),
			Tagging: &s3types.Tagging{TagSet: tagSet},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to tag result for job %s: %w", jobID, err)
	}
	return nil
}

// encodeTags renders object tags in the URL-encoded form the Tagging request
// header expects.
func encodeTags(tags map[string]string) string {
	values := url.Values{}
	for k, v := range tags {
		values.Set(k, v)
	}
	return values.Encode()
}

// isNotFound reports whether err is S3's flavor of a missing object. GetObject
// returns the typed NoSuchKey; other operations surface bare API error codes.
func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
