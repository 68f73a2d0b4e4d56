package cos_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/IBM/ibm-cos-sdk-go/aws"
	"github.com/IBM/ibm-cos-sdk-go/aws/awserr"
	"github.com/IBM/ibm-cos-sdk-go/aws/request"
	"github.com/IBM/ibm-cos-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibmcloudvercel/deploy/pkg/archive"
	"github.com/ibmcloudvercel/deploy/pkg/cos"
)

type fakeObjectAPI struct {
	putErrs   []error
	putCalls  int
	putBodies []string
	putKeys   []string

	deleteErr  error
	deleteKeys []string
}

func (f *fakeObjectAPI) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	call := f.putCalls
	f.putCalls++

	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.putBodies = append(f.putBodies, string(body))
	f.putKeys = append(f.putKeys, aws.StringValue(input.Key))

	if call < len(f.putErrs) && f.putErrs[call] != nil {
		return nil, f.putErrs[call]
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjectAPI) DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.deleteKeys = append(f.deleteKeys, aws.StringValue(input.Key))
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &s3.DeleteObjectOutput{}, nil
}

func testArtifact(t *testing.T) *archive.Artifact {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.js"), []byte("console.log('hi')"), 0o644))

	artifact, err := archive.Create(root, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = artifact.Remove() })
	return artifact
}

func uploader(client *fakeObjectAPI) *cos.Uploader {
	return &cos.Uploader{
		Bucket:        "b1",
		Client:        client,
		RetryInterval: time.Millisecond,
	}
}

func TestUpload(t *testing.T) {
	client := &fakeObjectAPI{}
	artifact := testArtifact(t)

	loc, err := uploader(client).Upload(context.Background(), "deployments/dpl_1/source.zip", artifact)
	require.NoError(t, err)

	assert.Equal(t, "cos://b1/deployments/dpl_1/source.zip", loc.URI())
	require.Equal(t, 1, client.putCalls)
	assert.Equal(t, "deployments/dpl_1/source.zip", client.putKeys[0])
	assert.Len(t, client.putBodies[0], int(artifact.Size))
}

func TestUploadRetriesTransientFailure(t *testing.T) {
	transientErr := awserr.NewRequestFailure(awserr.New("InternalError", "server fell over", nil), 503, "req-1")
	client := &fakeObjectAPI{putErrs: []error{transientErr}}
	artifact := testArtifact(t)

	loc, err := uploader(client).Upload(context.Background(), "k", artifact)
	require.NoError(t, err)

	assert.Equal(t, 2, client.putCalls)
	// The body must be re-read from the start on the second attempt.
	assert.Equal(t, client.putBodies[0], client.putBodies[1])
	assert.Equal(t, "cos://b1/k", loc.URI())
}

func TestUploadAuthRejectionIsTerminal(t *testing.T) {
	denied := awserr.NewRequestFailure(awserr.New("AccessDenied", "access denied", nil), 403, "req-1")
	client := &fakeObjectAPI{putErrs: []error{denied}}

	_, err := uploader(client).Upload(context.Background(), "k", testArtifact(t))
	require.Error(t, err)

	assert.Equal(t, 1, client.putCalls)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestUploadMissingBucketIsTerminal(t *testing.T) {
	missing := awserr.NewRequestFailure(awserr.New(s3.ErrCodeNoSuchBucket, "no such bucket", nil), 404, "req-1")
	client := &fakeObjectAPI{putErrs: []error{missing}}

	_, err := uploader(client).Upload(context.Background(), "k", testArtifact(t))
	require.Error(t, err)
	assert.Equal(t, 1, client.putCalls)
}

func TestUploadGivesUpAfterSingleRetry(t *testing.T) {
	transientErr := awserr.New("RequestError", "connection reset", nil)
	client := &fakeObjectAPI{putErrs: []error{transientErr, transientErr, transientErr}}

	_, err := uploader(client).Upload(context.Background(), "k", testArtifact(t))
	require.Error(t, err)
	assert.Equal(t, 2, client.putCalls)
}

func TestDelete(t *testing.T) {
	client := &fakeObjectAPI{}

	err := uploader(client).Delete(context.Background(), "deployments/dpl_1/source.zip")
	require.NoError(t, err)
	assert.Equal(t, []string{"deployments/dpl_1/source.zip"}, client.deleteKeys)
}

func TestDeleteError(t *testing.T) {
	client := &fakeObjectAPI{deleteErr: awserr.New("AccessDenied", "access denied", nil)}

	err := uploader(client).Delete(context.Background(), "k")
	assert.Error(t, err)
}
