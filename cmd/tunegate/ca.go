package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rsclarke/tunegate/internal/config"
	"github.com/rsclarke/tunegate/internal/server"
)

var caFlags struct {
	certDir string
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Create the MITM CA if needed and print its location",
	Long: `Ensure the MITM certificate authority exists in the certificate directory
and print the certificate path and its SHA-256 fingerprint. Install the
certificate as a trusted root on every device that uses the proxy.`,
	RunE: runCA,
}

func init() {
	rootCmd.AddCommand(caCmd)

	caCmd.Flags().StringVar(&caFlags.certDir, "cert-dir", "", "directory holding the MITM CA (default from TUNEGATE_CERT_DIR or certs)")
}

func runCA(cmd *cobra.Command, args []string) error {
	dir := caFlags.certDir
	if dir == "" {
		dir = config.FromEnv().CertDir
	}

	ca, created, err := server.LoadOrCreateCA(dir)
	if err != nil {
		return err
	}

	if created {
		fmt.Println("Generated a new CA.")
	}
	fmt.Printf("Certificate: %s\n", ca.CertPath)
	fmt.Printf("Key:         %s\n", ca.KeyPath)
	fmt.Printf("SHA-256:     %s\n", ca.Fingerprint())
	fmt.Printf("Expires:     %s\n", ca.Cert.Leaf.NotAfter.Format("2006-01-02"))
	return nil
}
