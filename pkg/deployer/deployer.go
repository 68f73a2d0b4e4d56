package deployer

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ibmcloudvercel/deploy/pkg/archive"
	"github.com/ibmcloudvercel/deploy/pkg/auth"
	"github.com/ibmcloudvercel/deploy/pkg/config"
	"github.com/ibmcloudvercel/deploy/pkg/cos"
	"github.com/ibmcloudvercel/deploy/pkg/vercel"
)

// Resolver produces a cloud credential from the build's auth material.
type Resolver interface {
	Resolve(ctx context.Context, trustedProfileID string, m auth.Material) (*auth.Credential, error)
}

// Storage uploads and deletes archive artifacts in the target bucket.
type Storage interface {
	Upload(ctx context.Context, key string, artifact *archive.Artifact) (cos.Location, error)
	Delete(ctx context.Context, key string) error
}

// Deployer sequences a single deployment run: resolve credentials, archive
// the source tree, upload the archive, report the outcome.
type Deployer struct {
	Resolver   Resolver
	NewStorage func(cred *auth.Credential) (Storage, error)
	Archive    func(sourceDir string) (*archive.Artifact, error)
	Reporter   vercel.Reporter
	Material   auth.Material
	RunID      string
	DryRun     bool
}

func (d *Deployer) Run(ctx context.Context, cfg *config.Config, vctx vercel.Context) error {
	loc, err := d.run(ctx, cfg, vctx)

	// Outcome reporting must survive a spent deadline.
	reportCtx := context.WithoutCancel(ctx)

	if err != nil {
		d.report(func() error {
			return d.Reporter.Complete(reportCtx, false, "", err.Error())
		})
		return err
	}

	if loc != nil {
		d.report(func() error {
			return d.Reporter.Complete(reportCtx, true, loc.URI(), "")
		})
	}

	return nil
}

func (d *Deployer) run(ctx context.Context, cfg *config.Config, vctx vercel.Context) (*cos.Location, error) {
	log.Infof("Deploying app '%s' (ref %s, commit %s)", vctx.AppName(), vctx.GitCommitRef, vctx.ShortSHA())

	// A dry run stops at the archive: no token exchange, no storage
	// client, no check updates.
	if d.DryRun {
		return nil, d.dryRun(cfg, vctx)
	}

	d.report(func() error {
		return d.Reporter.Start(ctx, "Uploading build artifacts to IBM Cloud Object Storage.")
	})

	cred, err := d.Resolver.Resolve(ctx, cfg.IBMCloud.TrustedProfileID, d.Material)
	if err != nil {
		return nil, ErrorWrap(ExitAuthError, fmt.Errorf("resolve credentials: %w", err))
	}

	artifact, err := d.Archive(cfg.SourceDir)
	if err != nil {
		return nil, ErrorWrap(ExitArchiveError, fmt.Errorf("archive source: %w", err))
	}
	defer d.cleanupLocal(cfg, artifact)

	key := cos.ObjectKey(cfg.KeyScheme, vctx, d.RunID, time.Now())

	storage, err := d.NewStorage(cred)
	if err != nil {
		return nil, ErrorWrap(ExitUploadError, fmt.Errorf("initialize storage client: %w", err))
	}

	loc, err := storage.Upload(ctx, key, artifact)
	if err != nil {
		return nil, ErrorWrap(ExitUploadError, err)
	}

	// The artifact is already in the bucket; if the run dies here the
	// deployment consumer will never fetch it. Remove it rather than leak
	// storage across repeated CI runs.
	if ctx.Err() != nil {
		d.rollback(storage, loc)
		return nil, Errorf(ExitTimeout, "run deadline exceeded after upload: %s", ctx.Err())
	}

	log.Infof("Source uploaded: %s", loc.URI())

	return &loc, nil
}

func (d *Deployer) dryRun(cfg *config.Config, vctx vercel.Context) error {
	artifact, err := d.Archive(cfg.SourceDir)
	if err != nil {
		return ErrorWrap(ExitArchiveError, fmt.Errorf("archive source: %w", err))
	}
	defer d.cleanupLocal(cfg, artifact)

	key := cos.ObjectKey(cfg.KeyScheme, vctx, d.RunID, time.Now())
	log.Infof("Dry run: would upload %s to cos://%s/%s", artifact.Path, cfg.IBMCloud.COSBucket, key)

	return nil
}

func (d *Deployer) cleanupLocal(cfg *config.Config, artifact *archive.Artifact) {
	if !cfg.CleanupArtifacts {
		log.Infof("Keeping local artifact: %s", artifact.Path)
		return
	}
	err := artifact.Remove()
	if err != nil {
		log.Warnf("Failed to clean up local artifact: %s", err)
	}
}

func (d *Deployer) rollback(storage Storage, loc cos.Location) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := storage.Delete(ctx, loc.Key)
	if err != nil {
		log.Warnf("Failed to remove orphaned artifact %s: %s", loc.URI(), err)
	}
}

func (d *Deployer) report(fn func() error) {
	err := fn()
	if err != nil {
		log.Warnf("Failed to update deployment check: %s", err)
	}
}
