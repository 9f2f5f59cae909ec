package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/specenv/internal/observability"
	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration, the store and the
artifact destination, and suggest fixes for common issues.

Examples:
  specenv doctor
  SPECENV_ARTIFACTS_KIND=s3 SPECENV_ARTIFACTS_BUCKET=envs specenv doctor`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	log := observability.CLILogger

	var store *envstore.Store
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	checks := []doctorCheck{
		{"Go version", func(context.Context) (string, error) {
			return runtime.Version(), nil
		}},
		{"config directory", func(context.Context) (string, error) {
			return os.UserConfigDir()
		}},
		{"store", func(ctx context.Context) (string, error) {
			s, err := openStore(ctx, cfg)
			if err != nil {
				return "", err
			}
			store = s
			v, err := s.CurrentSchemaVersion(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s schema v%d", s.Dialect(), v), nil
		}},
		{"catalog", func(ctx context.Context) (string, error) {
			if store == nil {
				return "", fmt.Errorf("store unavailable")
			}
			types, err := store.ListIndexTypes(ctx)
			if err != nil {
				return "", err
			}
			sources, err := store.ListDataSources(ctx)
			if err != nil {
				return "", err
			}
			if len(types) == 0 || len(sources) == 0 {
				return "", fmt.Errorf("catalog is empty; run 'specenv catalog load <file>'")
			}
			return fmt.Sprintf("%d index types, %d data sources", len(types), len(sources)), nil
		}},
		{"artifact store", func(ctx context.Context) (string, error) {
			sink, err := openSink(ctx, cfg.Fetch.Artifacts)
			if err != nil {
				return "", err
			}
			_ = sink.Close()
			return cfg.Fetch.Artifacts.Kind, nil
		}},
		{"crucible", func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Crucible == "" {
				return "", fmt.Errorf("crucible catalog unavailable")
			}
			return "v" + v.Crucible, nil
		}},
		{"environment", func(context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
	}

	log.Info("=== specenv doctor ===")
	allChecks := true
	total := len(checks)
	for i, c := range checks {
		detail, err := c.run(ctx)
		if err != nil {
			log.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌", i+1, total, c.name), zap.Error(err))
			allChecks = false
			continue
		}
		log.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", i+1, total, c.name, detail))
	}

	if cfg.Fetch.Artifacts.Kind == "s3" && !runS3Checks(ctx) {
		allChecks = false
	}

	log.Info("")
	if !allChecks {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitFailure, "Diagnostics failed", nil)
	}
	log.Info("✅ All checks passed!")
	return nil
}

// runS3Checks verifies that AWS credentials can be resolved.
func runS3Checks(ctx context.Context) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 artifact store checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error("Checking AWS credentials... ❌ Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error("Checking AWS credentials... ❌ Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info("Checking AWS credentials... ✅ Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("credential_source", source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Use IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	log.Info("  - SPECENV_FETCH_ARTIFACTS_ENDPOINT and SPECENV_FETCH_ARTIFACTS_FORCE_PATH_STYLE")
	log.Info("")
}
