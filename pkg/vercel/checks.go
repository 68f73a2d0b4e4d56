package vercel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultAPIBaseURL = "https://api.vercel.com"

	checkName = "ibm-cloud-vercel"

	CheckStateInProgress = "in-progress"
	CheckStateSucceeded  = "succeeded"
	CheckStateFailed     = "failed"
)

// Reporter posts deployment progress to the CI checks API. Reporting is
// best-effort: the pipeline never fails because a check could not be updated.
type Reporter interface {
	Start(ctx context.Context, summary string) error
	Complete(ctx context.Context, succeeded bool, url, errorMessage string) error
}

type checkOutput struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type check struct {
	Name       string      `json:"name"`
	Status     string      `json:"status"`
	DetailsURL string      `json:"detailsUrl,omitempty"`
	ExternalID string      `json:"externalId"`
	Output     checkOutput `json:"output"`
}

type checksPayload struct {
	Checks []check `json:"checks"`
}

type checksReporter struct {
	baseURL      string
	deploymentID string
	token        string
	client       *http.Client
}

// NewReporter returns a checks API reporter for the given build context.
// Without a checks token or a real deployment id there is nothing to report
// to, so a no-op reporter is returned instead.
func NewReporter(vctx Context, baseURL string) Reporter {
	if len(vctx.ChecksToken) == 0 || len(vctx.DeploymentID) == 0 || vctx.DeploymentID == "local" {
		log.Debug("Vercel checks token or deployment id not available; check reporting disabled")
		return &nullReporter{}
	}
	if len(baseURL) == 0 {
		baseURL = DefaultAPIBaseURL
	}
	return &checksReporter{
		baseURL:      baseURL,
		deploymentID: vctx.DeploymentID,
		token:        vctx.ChecksToken,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (r *checksReporter) Start(ctx context.Context, summary string) error {
	return r.post(ctx, check{
		Name:       checkName,
		Status:     CheckStateInProgress,
		ExternalID: r.deploymentID,
		Output: checkOutput{
			Title:   "Deploying to IBM Cloud",
			Summary: summary,
		},
	})
}

func (r *checksReporter) Complete(ctx context.Context, succeeded bool, url, errorMessage string) error {
	status := CheckStateSucceeded
	summary := fmt.Sprintf("Deployment succeeded. URL: %s", url)
	if !succeeded {
		status = CheckStateFailed
		summary = fmt.Sprintf("Deployment failed: %s", errorMessage)
	}

	return r.post(ctx, check{
		Name:       checkName,
		Status:     status,
		DetailsURL: url,
		ExternalID: r.deploymentID,
		Output: checkOutput{
			Title:   "Deployment Result",
			Summary: summary,
		},
	})
}

func (r *checksReporter) post(ctx context.Context, c check) error {
	payload, err := json.Marshal(checksPayload{Checks: []check{c}})
	if err != nil {
		return fmt.Errorf("marshal check payload: %w", err)
	}

	url := fmt.Sprintf("%s/v1/deployments/%s/checks", r.baseURL, r.deploymentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create check request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("update check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("update check: unexpected status %s", resp.Status)
	}

	log.Debugf("Updated check '%s' to status '%s'", c.Name, c.Status)

	return nil
}

type nullReporter struct{}

func (n *nullReporter) Start(ctx context.Context, summary string) error {
	return nil
}

func (n *nullReporter) Complete(ctx context.Context, succeeded bool, url, errorMessage string) error {
	return nil
}
