// flux-keygen produces the long-term CURVE credentials a broker role needs:
// a public-only file other brokers may read to authorize this role, and a
// mode-0600 private file only the role's broker loads.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/garlick/flux-core/internal/security"
)

var (
	outPath string
	force   bool
)

func main() {
	cmd := &cobra.Command{
		Use:           "flux-keygen",
		Short:         "generate a CURVE keypair for one broker role",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "role file path; the private file is written alongside as <path>_private")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing key files")
	cmd.MarkFlagRequired("output")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "flux-keygen: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	privPath := outPath + "_private"
	if !force {
		for _, p := range []string{outPath, privPath} {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%s already exists, use --force to overwrite", p)
			}
		}
	}
	kp, err := security.Generate()
	if err != nil {
		return err
	}
	if err := security.WriteKeyPair(privPath, kp, force); err != nil {
		return err
	}
	if err := os.WriteFile(outPath, []byte(kp.Public+"\n"), 0644); err != nil {
		return err
	}
	fmt.Printf("wrote %s and %s\n", outPath, privPath)
	return nil
}
