package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/shiken/internal/auth"
)

func keygenCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Write a persistent Ed25519 key pair for JWT signing",
		Long: `Without key files the server signs tokens with an ephemeral key that is
discarded on restart, invalidating every issued token. Point
SHIKEN_JWT_PRIVATE_KEY and SHIKEN_JWT_PUBLIC_KEY at the files this writes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath, pubPath, err := auth.WriteKeyPair(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, err = fmt.Fprintf(out, "wrote %s\nwrote %s\n\nSHIKEN_JWT_PRIVATE_KEY=%s\nSHIKEN_JWT_PUBLIC_KEY=%s\n",
				privPath, pubPath, privPath, pubPath)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "directory for the key files")
	return cmd
}
