// Command servd serves versioned model servables over HTTP and WebSocket and
// keeps the set of loaded servables in line with management directives.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "servd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var sf serveFlags
	root := &cobra.Command{
		Use:           "servd",
		Short:         "Model servable manager and inference server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, &sf)
		},
	}
	sf.bind(root)

	// "servd serve" is the same as "servd".
	var sf2 serveFlags
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, &sf2)
		},
	}
	sf2.bind(serveCmd)

	root.AddCommand(serveCmd, newApplyCmd())
	return root
}

// splitCSV splits a comma-separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
