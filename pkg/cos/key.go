package cos

import (
	"fmt"
	"time"

	"github.com/ibmcloudvercel/deploy/pkg/config"
	"github.com/ibmcloudvercel/deploy/pkg/vercel"
)

// ObjectKey derives the storage key for a source archive.
//
// per-run keys embed a timestamp and the run id, so repeated uploads of an
// unchanged tree never overwrite each other. per-commit keys are stable for
// a commit, so re-runs overwrite. per-branch keys keep only the latest
// upload per branch.
func ObjectKey(scheme string, vctx vercel.Context, runID string, now time.Time) string {
	switch scheme {
	case config.KeySchemePerCommit:
		return fmt.Sprintf("deployments/%s/%s_source.zip", vctx.DeploymentID, vctx.GitCommitSHA)
	case config.KeySchemePerBranch:
		return fmt.Sprintf("deployments/%s/source.zip", vercel.SanitizeRef(vctx.GitCommitRef))
	default:
		if len(runID) > 8 {
			runID = runID[:8]
		}
		return fmt.Sprintf("deployments/%s/%s_%s_source.zip", vctx.DeploymentID, now.UTC().Format("20060102_150405"), runID)
	}
}

// Location identifies an uploaded artifact.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) URI() string {
	return fmt.Sprintf("cos://%s/%s", l.Bucket, l.Key)
}
