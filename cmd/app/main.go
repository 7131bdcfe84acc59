// Command nectar crawls pages into markdown and structured data, either once from
// the command line or as an HTTP service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nectar",
		Short: "Nectar crawls web pages into clean markdown and structured data",
		Long: `Nectar fetches pages, cleans their HTML, renders markdown (optionally
filtered to the page's main content) and runs CSS or LLM extraction.

Usage:
  nectar crawl <url>... [flags]
  nectar serve`,
		SilenceUsage: true,
	}
	root.AddCommand(newCrawlCmd(), newServeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
