// Command staged-thinking runs the staged thinking gateway and its tooling.
package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Global carries state shared by every subcommand.
type Global struct {
	Logger *slog.Logger
}

// CLI is the root command line.
type CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml" type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the gateway"`
	Think   ThinkCmd   `cmd:"" help:"Run the staged pipeline once on a transcript file"`
	Stages  StagesCmd  `cmd:"" help:"Validate and print the stage document"`
	HashKey HashKeyCmd `cmd:"" name:"hash-key" help:"Print the SHA-256 hash of an admin API key"`
}

func (c *CLI) logger() *slog.Logger {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("staged-thinking"),
		kong.Description("OpenAI-compatible gateway that reasons in stages before every reply."),
		kong.UsageOnError(),
	)

	logger := cli.logger()
	slog.SetDefault(logger)

	err := ctx.Run(&Global{Logger: logger}, &cli)
	ctx.FatalIfErrorf(err)
}
