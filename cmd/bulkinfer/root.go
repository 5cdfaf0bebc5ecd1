package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var verbose bool

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bulkinfer",
	Short: "Batch CT inference against a segpipe server",
	Long: `bulkinfer runs a directory of CT study volumes through a segpipe
server and writes an xlsx report with one row per study, including the
3D localization of any detected pathology.

Processing is resumable: each finished study is recorded in a processing
log, and a re-run with the same log skips studies that already have a
result. Studies whose jobs fail are recorded as failures and are never
retried.

Example:
  bulkinfer run --input /data/studies --output /data/results \
    --model nnunet_chest_ct --api-url http://localhost:8080`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.SetVersionTemplate("bulkinfer version {{.Version}}\n")

	// Every flag can also come from the environment, e.g. BULKINFER_API_URL.
	viper.SetEnvPrefix("bulkinfer")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
