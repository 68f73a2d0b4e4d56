package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Key schemes for deriving object storage keys. See cos.ObjectKey.
const (
	KeySchemePerRun    = "per-run"
	KeySchemePerCommit = "per-commit"
	KeySchemePerBranch = "per-branch"
)

const DefaultConfigFile = "ibmcloudvercel.yml"

var (
	ErrMissingRegion    = errors.New("ibm_cloud.region is required")
	ErrMissingProjectID = errors.New("ibm_cloud.project_id is required")
	ErrMissingBucket    = errors.New("ibm_cloud.cos_bucket is required")
	ErrNegativeScale    = errors.New("scaling.min_instances cannot be negative")
	ErrScaleBounds      = errors.New("scaling.max_instances must be greater than or equal to scaling.min_instances")
)

// IBMCloud holds resource identifiers for the target cloud account. The
// values are opaque to this pipeline; they are passed through to the IAM and
// Cloud Object Storage endpoints.
type IBMCloud struct {
	Region           string `json:"region"`
	ProjectID        string `json:"project_id"`
	COSBucket        string `json:"cos_bucket"`
	COSEndpoint      string `json:"cos_endpoint"`
	RegistrySecret   string `json:"registry_secret"`
	TrustedProfileID string `json:"trusted_profile_id"`
}

// Endpoint returns the configured COS endpoint, or derives the regional
// public endpoint when none is set.
func (i IBMCloud) Endpoint() string {
	if len(i.COSEndpoint) > 0 {
		return i.COSEndpoint
	}
	return fmt.Sprintf("s3.%s.cloud-object-storage.appdomain.cloud", i.Region)
}

// Scaling holds Code Engine application scaling parameters. They are parsed
// and validated here, and applied by the deployment trigger in a later phase.
type Scaling struct {
	MinInstances int    `json:"min_instances"`
	MaxInstances int    `json:"max_instances"`
	CPU          string `json:"cpu"`
	Memory       string `json:"memory"`
	Port         int    `json:"port"`
	Concurrency  int    `json:"concurrency"`
}

type Config struct {
	IBMCloud         IBMCloud `json:"ibm_cloud"`
	Scaling          Scaling  `json:"scaling"`
	SourceDir        string   `json:"source_dir"`
	CleanupArtifacts bool     `json:"cleanup_artifacts"`
	KeyScheme        string   `json:"key_scheme"`
}

func decoderHook(dc *mapstructure.DecoderConfig) {
	dc.TagName = "json"
}

// Load reads and validates the configuration file. The file is the contract
// between the user's repository and this connector, so a missing file is an
// error rather than an empty config.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("configuration file not found: %s", path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("source_dir", ".")
	v.SetDefault("cleanup_artifacts", true)
	v.SetDefault("key_scheme", KeySchemePerRun)
	v.SetDefault("scaling.min_instances", 0)
	v.SetDefault("scaling.max_instances", 10)
	v.SetDefault("scaling.cpu", "0.25")
	v.SetDefault("scaling.memory", "0.5G")
	v.SetDefault("scaling.port", 8080)
	v.SetDefault("scaling.concurrency", 100)

	err := v.ReadInConfig()
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}

	cfg := &Config{}
	err = v.Unmarshal(cfg, decoderHook)
	if err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.IBMCloud.Region) == 0 {
		return ErrMissingRegion
	}
	if len(c.IBMCloud.ProjectID) == 0 {
		return ErrMissingProjectID
	}
	if len(c.IBMCloud.COSBucket) == 0 {
		return ErrMissingBucket
	}
	if c.Scaling.MinInstances < 0 {
		return ErrNegativeScale
	}
	if c.Scaling.MaxInstances < c.Scaling.MinInstances {
		return ErrScaleBounds
	}

	switch c.KeyScheme {
	case KeySchemePerRun, KeySchemePerCommit, KeySchemePerBranch:
	default:
		return fmt.Errorf("key_scheme '%s' is not recognized", c.KeyScheme)
	}

	return nil
}
