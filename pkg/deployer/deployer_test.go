package deployer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibmcloudvercel/deploy/pkg/archive"
	"github.com/ibmcloudvercel/deploy/pkg/auth"
	"github.com/ibmcloudvercel/deploy/pkg/config"
	"github.com/ibmcloudvercel/deploy/pkg/cos"
	"github.com/ibmcloudvercel/deploy/pkg/deployer"
	"github.com/ibmcloudvercel/deploy/pkg/vercel"
)

type fakeResolver struct {
	cred  *auth.Credential
	err   error
	calls int
}

func (f *fakeResolver) Resolve(ctx context.Context, trustedProfileID string, m auth.Material) (*auth.Credential, error) {
	f.calls++
	return f.cred, f.err
}

type fakeStorage struct {
	uploadErr  error
	uploadKeys []string
	deleteKeys []string
	onUpload   func()
}

func (f *fakeStorage) Upload(ctx context.Context, key string, artifact *archive.Artifact) (cos.Location, error) {
	f.uploadKeys = append(f.uploadKeys, key)
	if f.onUpload != nil {
		f.onUpload()
	}
	return cos.Location{Bucket: "b1", Key: key}, f.uploadErr
}

func (f *fakeStorage) Delete(ctx context.Context, key string) error {
	f.deleteKeys = append(f.deleteKeys, key)
	return nil
}

type fakeReporter struct {
	started   int
	succeeded int
	failed    int
	lastError string
}

func (f *fakeReporter) Start(ctx context.Context, summary string) error {
	f.started++
	return nil
}

func (f *fakeReporter) Complete(ctx context.Context, succeeded bool, url, errorMessage string) error {
	if succeeded {
		f.succeeded++
	} else {
		f.failed++
		f.lastError = errorMessage
	}
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		IBMCloud: config.IBMCloud{
			Region:    "us-south",
			ProjectID: "p1",
			COSBucket: "b1",
		},
		SourceDir:        ".",
		CleanupArtifacts: true,
		KeyScheme:        config.KeySchemePerRun,
	}
}

func testContext() vercel.Context {
	return vercel.Context{
		GitCommitSHA: "0123456789abcdef",
		GitCommitRef: "main",
		DeploymentID: "dpl_1",
		ProjectName:  "shop",
	}
}

func localArtifact(t *testing.T) *archive.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.zip")
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04"), 0o644))
	return &archive.Artifact{Path: path, Size: 4, Files: 1}
}

type fixture struct {
	deployer *deployer.Deployer
	resolver *fakeResolver
	storage  *fakeStorage
	reporter *fakeReporter
	artifact *archive.Artifact
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		resolver: &fakeResolver{cred: &auth.Credential{AccessToken: "tok", Source: auth.SourceAPIKey}},
		storage:  &fakeStorage{},
		reporter: &fakeReporter{},
		artifact: localArtifact(t),
	}
	f.deployer = &deployer.Deployer{
		Resolver: f.resolver,
		NewStorage: func(cred *auth.Credential) (deployer.Storage, error) {
			return f.storage, nil
		},
		Archive: func(sourceDir string) (*archive.Artifact, error) {
			return f.artifact, nil
		},
		Reporter: f.reporter,
		RunID:    "a1b2c3d4-0000-0000-0000-000000000000",
	}
	return f
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(t)

	err := f.deployer.Run(context.Background(), testConfig(), testContext())
	require.NoError(t, err)

	assert.Equal(t, 1, f.resolver.calls)
	require.Len(t, f.storage.uploadKeys, 1)
	assert.Contains(t, f.storage.uploadKeys[0], "deployments/dpl_1/")
	assert.Contains(t, f.storage.uploadKeys[0], "a1b2c3d4")

	assert.Equal(t, 1, f.reporter.started)
	assert.Equal(t, 1, f.reporter.succeeded)
	assert.Zero(t, f.reporter.failed)

	// Local artifact is cleaned up after upload.
	_, err = os.Stat(f.artifact.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestRunKeepsArtifactWhenCleanupDisabled(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.CleanupArtifacts = false

	err := f.deployer.Run(context.Background(), cfg, testContext())
	require.NoError(t, err)

	_, err = os.Stat(f.artifact.Path)
	assert.NoError(t, err)
}

func TestRunAuthFailureSkipsUpload(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = auth.ErrNoCredentials

	err := f.deployer.Run(context.Background(), testConfig(), testContext())
	require.Error(t, err)

	assert.Equal(t, deployer.ExitAuthError, deployer.ErrorExitCode(err))
	assert.Empty(t, f.storage.uploadKeys)
	assert.Equal(t, 1, f.reporter.failed)
	assert.Contains(t, f.reporter.lastError, "no credentials")
}

func TestRunArchiveFailure(t *testing.T) {
	f := newFixture(t)
	f.deployer.Archive = func(sourceDir string) (*archive.Artifact, error) {
		return nil, archive.ErrEmptySource
	}

	err := f.deployer.Run(context.Background(), testConfig(), testContext())
	require.Error(t, err)

	assert.Equal(t, deployer.ExitArchiveError, deployer.ErrorExitCode(err))
	assert.Empty(t, f.storage.uploadKeys)
}

func TestRunUploadFailure(t *testing.T) {
	f := newFixture(t)
	f.storage.uploadErr = errors.New("bucket on fire")

	err := f.deployer.Run(context.Background(), testConfig(), testContext())
	require.Error(t, err)

	assert.Equal(t, deployer.ExitUploadError, deployer.ErrorExitCode(err))
	assert.Equal(t, 1, f.reporter.failed)
	assert.Contains(t, f.reporter.lastError, "bucket on fire")
}

func TestRunRemovesOrphanAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The deadline expires while the upload is in flight; the uploaded
	// object must not be left behind.
	f.storage.onUpload = cancel

	err := f.deployer.Run(ctx, testConfig(), testContext())
	require.Error(t, err)

	assert.Equal(t, deployer.ExitTimeout, deployer.ErrorExitCode(err))
	require.Len(t, f.storage.uploadKeys, 1)
	assert.Equal(t, f.storage.uploadKeys, f.storage.deleteKeys)
}

func TestRunDryRun(t *testing.T) {
	f := newFixture(t)
	f.deployer.DryRun = true

	err := f.deployer.Run(context.Background(), testConfig(), testContext())
	require.NoError(t, err)

	// Dry runs make no network requests at all: no token exchange, no
	// upload, no check updates.
	assert.Zero(t, f.resolver.calls)
	assert.Empty(t, f.storage.uploadKeys)
	assert.Zero(t, f.reporter.started)
	assert.Zero(t, f.reporter.succeeded)

	// The archive is still built and cleaned up.
	_, err = os.Stat(f.artifact.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestRunDryRunWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	f.deployer.DryRun = true
	f.resolver.cred = nil
	f.resolver.err = auth.ErrNoCredentials

	// Validation and archiving need no credentials, so neither does a
	// dry run.
	err := f.deployer.Run(context.Background(), testConfig(), testContext())
	require.NoError(t, err)
	assert.Zero(t, f.resolver.calls)
}

func TestRunDryRunArchiveFailure(t *testing.T) {
	f := newFixture(t)
	f.deployer.DryRun = true
	f.deployer.Archive = func(sourceDir string) (*archive.Artifact, error) {
		return nil, archive.ErrEmptySource
	}

	err := f.deployer.Run(context.Background(), testConfig(), testContext())
	require.Error(t, err)
	assert.Equal(t, deployer.ExitArchiveError, deployer.ErrorExitCode(err))
}

func TestRunKeySchemes(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.KeyScheme = config.KeySchemePerCommit

	err := f.deployer.Run(context.Background(), cfg, testContext())
	require.NoError(t, err)
	assert.Equal(t, []string{"deployments/dpl_1/0123456789abcdef_source.zip"}, f.storage.uploadKeys)
}

func TestErrorExitCodes(t *testing.T) {
	assert.Equal(t, deployer.ExitSuccess, deployer.ErrorExitCode(nil))
	assert.Equal(t, deployer.ExitInternalError, deployer.ErrorExitCode(errors.New("plain")))
	assert.Equal(t, deployer.ExitConfigError, deployer.ErrorExitCode(deployer.Errorf(deployer.ExitConfigError, "bad config")))

	wrapped := deployer.ErrorWrap(deployer.ExitAuthError, auth.ErrNoCredentials)
	assert.Equal(t, deployer.ExitAuthError, deployer.ErrorExitCode(wrapped))
	assert.ErrorIs(t, wrapped, auth.ErrNoCredentials)
}
