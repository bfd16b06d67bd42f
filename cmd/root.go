package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PulsePipe/pulsepipe/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "pulsepipe",
	Short: "Healthcare data ingestion and de-identification pipeline",
	Long:  "Parses HL7v2, X12, FHIR, and CDA feeds into a canonical model, applies HIPAA Safe-Harbor de-identification, and tracks every run in a persistent store.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
