package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/runnerhub/internal/config"
	"github.com/3leaps/runnerhub/internal/observability"
	"github.com/3leaps/runnerhub/pkg/store"
)

var (
	doctorProvider string
)

const doctorStoreTimeout = 10 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  runnerhub doctor                # Full environment check
  runnerhub doctor --provider s3  # Include artifact bucket credential checks`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

// doctorReport numbers checks as they run.
type doctorReport struct {
	log   *zap.Logger
	num   int
	total int
	ok    bool
}

func (r *doctorReport) pass(name, detail string, fields ...zap.Field) {
	r.num++
	r.log.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", r.num, r.total, name, detail), fields...)
}

func (r *doctorReport) warn(name, detail string, fields ...zap.Field) {
	r.num++
	r.ok = false
	r.log.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", r.num, r.total, name, detail), fields...)
}

func (r *doctorReport) fail(name, detail string, fields ...zap.Field) {
	r.num++
	r.ok = false
	r.log.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", r.num, r.total, name, detail), fields...)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	r := &doctorReport{log: log, total: 6, ok: true}
	if doctorProvider == "s3" {
		r.total = 8
	}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		r.pass("Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		r.warn("Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	if v := crucible.GetVersion(); v.Gofulmen != "" {
		r.pass("Gofulmen library", "v"+v.Gofulmen, zap.String("gofulmen_version", v.Gofulmen))
	} else {
		r.warn("Gofulmen library", "version unknown")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		r.fail("config directory", "Cannot find config directory", zap.Error(err))
	} else {
		r.pass("config directory", configDir, zap.String("config_dir", configDir))
	}

	r.pass("environment", runtime.GOOS+"/"+runtime.GOARCH,
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		r.fail("configuration", "Invalid configuration", zap.Error(err))
		r.num++
		log.Warn(fmt.Sprintf("[%d/%d] Checking job store... skipped", r.num, r.total))
	} else {
		r.pass("configuration", "loaded", zap.Int("auth_tokens", len(cfg.Auth.Tokens)))
		checkStore(cmd.Context(), r, cfg.Store)
	}

	if doctorProvider == "s3" {
		runS3Checks(cmd.Context(), r)
	}

	log.Info("")
	if r.ok {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
		log.Info("")
		log.Info("=== End Diagnostics ===")
		return nil
	}
	log.Warn("⚠️  Some checks failed. Review the output above for details.")
	log.Info("")
	log.Info("=== End Diagnostics ===")
	return ExitWithCode(log, ExitFailure, "Diagnostics failed", nil)
}

func checkStore(ctx context.Context, r *doctorReport, sc config.StoreConfig) {
	ctx, cancel := context.WithTimeout(ctx, doctorStoreTimeout)
	defer cancel()

	db, err := store.Open(ctx, store.Config{Path: sc.Path, URL: sc.URL, AuthToken: sc.AuthToken})
	if err != nil {
		r.fail("job store", "Cannot open job store", zap.Error(err))
		return
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		r.fail("job store", "Job store not reachable", zap.Error(err))
		return
	}
	target := sc.Path
	if sc.URL != "" {
		target = sc.URL
	}
	r.pass("job store", target, zap.String("store", target))
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, r *doctorReport) {
	r.log.Info("")
	r.log.Info("S3 Provider Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		r.fail("AWS credentials", "Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		r.fail("AWS credentials", "Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	r.pass("AWS credentials", "Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	r.pass("credential source", source, zap.String("credential_source", source))
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
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - RUNNERHUB_S3_ENDPOINT or artifacts.s3.endpoint")
	observability.CLILogger.Info("")
}
