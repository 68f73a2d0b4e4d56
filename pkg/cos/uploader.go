package cos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/ibm-cos-sdk-go/aws"
	"github.com/IBM/ibm-cos-sdk-go/aws/awserr"
	"github.com/IBM/ibm-cos-sdk-go/aws/credentials/ibmiam"
	"github.com/IBM/ibm-cos-sdk-go/aws/credentials/ibmiam/token"
	"github.com/IBM/ibm-cos-sdk-go/aws/request"
	"github.com/IBM/ibm-cos-sdk-go/aws/session"
	"github.com/IBM/ibm-cos-sdk-go/service/s3"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/ibmcloudvercel/deploy/pkg/archive"
	"github.com/ibmcloudvercel/deploy/pkg/auth"
)

const (
	operationTimeout = 2 * time.Minute
	retryInterval    = 2 * time.Second

	// awserr code for requests that never produced a response.
	errCodeRequestError = "RequestError"
)

// ObjectAPI is the slice of the COS S3 API this package needs. *s3.S3
// satisfies it; tests provide a fake.
type ObjectAPI interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
}

// Uploader writes archive artifacts to a Cloud Object Storage bucket.
type Uploader struct {
	Bucket        string
	Client        ObjectAPI
	RetryInterval time.Duration
}

// NewUploader builds a COS client that authenticates with the already
// resolved credential. The SDK is handed the token through a custom init
// function so that it never performs a second exchange of its own.
func NewUploader(cred *auth.Credential, endpoint, region, bucket string) (*Uploader, error) {
	initFunc := func() (*token.Token, error) {
		return &token.Token{
			AccessToken: cred.AccessToken,
			TokenType:   cred.TokenType,
			ExpiresIn:   int64(time.Until(cred.Expiry).Seconds()),
			Expiration:  cred.Expiry.Unix(),
		}, nil
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}

	conf := aws.NewConfig().
		WithRegion(region).
		WithEndpoint(endpoint).
		WithCredentials(ibmiam.NewCustomInitFuncCredentials(aws.NewConfig(), initFunc, auth.DefaultIAMEndpoint, cred.ServiceInstanceID)).
		WithS3ForcePathStyle(true)

	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("initialize COS session: %w", err)
	}

	return &Uploader{
		Bucket:        bucket,
		Client:        s3.New(sess, conf),
		RetryInterval: retryInterval,
	}, nil
}

// Upload stores the artifact under key and returns its final location.
// Transient failures are retried once with backoff; authentication
// rejections and missing buckets are terminal.
func (u *Uploader) Upload(ctx context.Context, key string, artifact *archive.Artifact) (Location, error) {
	loc := Location{Bucket: u.Bucket, Key: key}

	body, err := artifact.Open()
	if err != nil {
		return loc, fmt.Errorf("open archive: %w", err)
	}
	defer body.Close()

	log.Infof("Uploading %s (%.2f MiB) to bucket '%s' as '%s'...", artifact.Path, float64(artifact.Size)/1024/1024, u.Bucket, key)

	operation := func() error {
		_, err := body.Seek(0, 0)
		if err != nil {
			return backoff.Permanent(err)
		}

		opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
		defer cancel()

		_, err = u.Client.PutObjectWithContext(opCtx, &s3.PutObjectInput{
			Bucket: aws.String(u.Bucket),
			Key:    aws.String(key),
			Body:   body,
		})
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Warnf("Upload attempt failed: %s", err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.RetryInterval

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 1), ctx))
	if err != nil {
		return loc, fmt.Errorf("upload to %s: %w", loc.URI(), err)
	}

	log.Infof("Upload successful: %s", loc.URI())

	return loc, nil
}

// Delete removes an uploaded artifact. Callers decide whether a failure
// matters; orphan cleanup treats it as best-effort.
func (u *Uploader) Delete(ctx context.Context, key string) error {
	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	_, err := u.Client.DeleteObjectWithContext(opCtx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete cos://%s/%s: %w", u.Bucket, key, err)
	}

	log.Infof("Deleted object from bucket '%s': %s", u.Bucket, key)

	return nil
}

func transient(err error) bool {
	if failure, ok := err.(awserr.RequestFailure); ok {
		return failure.StatusCode() >= 500
	}
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == errCodeRequestError
	}
	return false
}
