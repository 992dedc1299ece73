package main

import (
	"github.com/alecthomas/kong"
)

// DocCmd prints the full command tree's help formatted as markdown, using
// the same kong.HelpPrinter interface the --help flag renders through.
type DocCmd struct{}

func (c *DocCmd) Run(kctx *kong.Context) error {
	return MarkdownHelpPrinter(kong.HelpOptions{}, kctx)
}
