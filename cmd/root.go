// Package cmd is the vggtrain command tree.
package cmd

import (
	"context"
	goflag "flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/tsawler/vggtrain/config"
)

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var (
	cfgFile   string
	debugMode bool

	// klog's flags, bound into the persistent flag set
	klogFlags = goflag.NewFlagSet("klog", goflag.ContinueOnError)
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vggtrain",
	Short: "Train and evaluate VGG-style networks on CIFAR-10",
	Long: `vggtrain trains a VGG classifier or a convolutional autoencoder on
CIFAR-10 on the CPU, checkpointing every epoch, and evaluates saved
checkpoints on the validation or test split.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debugMode {
			if err := klogFlags.Set("v", "2"); err != nil {
				return err
			}
			fullCmd := "vggtrain " + cmd.Name()
			cmd.Flags().Visit(func(f *pflag.Flag) {
				if f.Name == "debug" {
					return
				}
				fullCmd += " --" + f.Name + "=" + f.Value.String()
			})
			if len(args) > 0 {
				fullCmd += " " + strings.Join(args, " ")
			}
			klog.V(2).Infof("command: %s", fullCmd)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	klog.Flush()
	if err != nil {
		badColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	klog.InitFlags(klogFlags)
	for _, name := range []string{"v", "vmodule", "logtostderr", "log_file"} {
		if f := klogFlags.Lookup(name); f != nil {
			rootCmd.PersistentFlags().AddGoFlag(f)
		}
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (defaults are used when empty)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output (same as -v=2)")
}

// loadConfig reads --config and applies the environment defaults for the
// data and log directories. Flags are applied by each command on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = getEnvOrDefault("VGGTRAIN_DATA_DIR", cfg.DataDir)
	cfg.LogDir = getEnvOrDefault("VGGTRAIN_LOG_DIR", cfg.LogDir)
	return cfg, nil
}

// printHeader writes a coloured section header.
func printHeader(w io.Writer, format string, args ...interface{}) {
	headerColor.Fprintln(w, fmt.Sprintf(format, args...))
}
