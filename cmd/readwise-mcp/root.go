package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "readwise-mcp",
		Short: "Expose Readwise highlights and Reader documents as MCP tools",
		Long: `readwise-mcp is a stateless MCP gateway for the Readwise and Reader APIs.

Callers obtain a bearer token through /authorize and /token, then send
JSON-RPC requests to /call. Every call gets its own tool registry.`,
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	root.SetVersionTemplate(`{{printf "readwise-mcp version %s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newHashSecretCmd(), newVersionCmd())

	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "readwise-mcp version %s\n", Version)
		},
	}
}
