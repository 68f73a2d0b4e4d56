package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/ibmcloudvercel/deploy/pkg/archive"
	"github.com/ibmcloudvercel/deploy/pkg/auth"
	"github.com/ibmcloudvercel/deploy/pkg/config"
	"github.com/ibmcloudvercel/deploy/pkg/cos"
	"github.com/ibmcloudvercel/deploy/pkg/deployer"
	"github.com/ibmcloudvercel/deploy/pkg/logging"
	"github.com/ibmcloudvercel/deploy/pkg/vercel"
	"github.com/ibmcloudvercel/deploy/pkg/version"
)

const defaultRunTimeout = 10 * time.Minute

type options struct {
	ConfigFile string
	LogFormat  string
	LogLevel   string
	Quiet      bool
	DryRun     bool
	Timeout    time.Duration
}

func init() {
	flag.ErrHelp = fmt.Errorf("\ndeploy packages a source tree and uploads it to IBM Cloud for a Code Engine deployment.\n")
}

func initOptions(opts *options) {
	flag.StringVar(&opts.ConfigFile, "config", getEnv("IBMCLOUDVERCEL_CONFIG", config.DefaultConfigFile), "Path to the configuration file. (env IBMCLOUDVERCEL_CONFIG)")
	flag.StringVar(&opts.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format, either 'text' or 'json'. (env LOG_FORMAT)")
	flag.StringVar(&opts.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Logging verbosity level. (env LOG_LEVEL)")
	flag.BoolVar(&opts.Quiet, "quiet", getEnvBool("QUIET"), "Suppress printing of informational messages except errors. (env QUIET)")
	flag.BoolVar(&opts.DryRun, "dry-run", getEnvBool("DRY_RUN"), "Validate configuration and build the archive, but don't make any network requests. (env DRY_RUN)")
	flag.DurationVar(&opts.Timeout, "timeout", getEnvDuration("TIMEOUT", defaultRunTimeout), "Time limit for the whole run. (env TIMEOUT)")

	flag.Parse()
}

func main() {
	err := run()
	if err == nil {
		return
	}
	log.Errorf("fatal: %s", err)
	os.Exit(int(deployer.ErrorExitCode(err)))
}

func run() error {
	opts := &options{}
	initOptions(opts)

	err := logging.Setup(opts.LogLevel, opts.LogFormat, opts.Quiet)
	if err != nil {
		return deployer.ErrorWrap(deployer.ExitInvocationFailure, err)
	}

	log.Infof("ibmcloudvercel deploy %s", version.Version())

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return deployer.ErrorWrap(deployer.ExitConfigError, err)
	}

	vctx := vercel.ContextFromEnv()

	log.Infof("Region.......: %s", cfg.IBMCloud.Region)
	log.Infof("Project ID...: %s", cfg.IBMCloud.ProjectID)
	log.Infof("COS bucket...: %s", cfg.IBMCloud.COSBucket)
	log.Infof("App name.....: %s", vctx.AppName())
	log.Infof("Git ref......: %s", vctx.GitCommitRef)
	log.Infof("Commit SHA...: %s", vctx.ShortSHA())

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	d := &deployer.Deployer{
		Resolver: auth.NewResolver(auth.DefaultIAMEndpoint),
		NewStorage: func(cred *auth.Credential) (deployer.Storage, error) {
			uploader, err := cos.NewUploader(cred, cfg.IBMCloud.Endpoint(), cfg.IBMCloud.Region, cfg.IBMCloud.COSBucket)
			if err != nil {
				return nil, err
			}
			return uploader, nil
		},
		Archive: func(sourceDir string) (*archive.Artifact, error) {
			return archive.Create(sourceDir, nil)
		},
		Reporter: vercel.NewReporter(vctx, vercel.DefaultAPIBaseURL),
		Material: auth.MaterialFromEnv(),
		RunID:    uuid.New().String(),
		DryRun:   opts.DryRun,
	}

	return d.Run(ctx, cfg, vctx)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}

	return fallback
}

func getEnvBool(key string) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return false
	}

	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
	}
	return fallback
}
