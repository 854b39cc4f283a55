package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

// CLI is the lifecycle command tree.
type CLI struct {
	Config   string `help:"Settings file (yaml or json)." type:"path" env:"LIFECYCLE_CONFIG"`
	LogLevel string `help:"Override the configured log level."`

	Serve       ServeCmd       `cmd:"" help:"Consume lifecycle jobs until interrupted."`
	Enqueue     EnqueueCmd     `cmd:"" help:"Publish a terminate-then-run job."`
	Overview    OverviewCmd    `cmd:"" help:"Compute the runtime overview of an instance run and check whether it is done."`
	Status      StatusCmd      `cmd:"" help:"Show the runs of an instance and their termination actions."`
	DeadLetters DeadLettersCmd `cmd:"" name:"dead-letters" help:"List jobs that will not be redelivered."`
	Migrate     MigrateCmd     `cmd:"" help:"Apply pending store migrations."`
	Version     VersionCmd     `cmd:"" help:"Print the version."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		os.Stderr.WriteString("lifecycle: " + err.Error() + "\n")
		os.Exit(1)
	}
}

// run parses args and executes the selected command.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("lifecycle"),
		kong.Description("Workflow instance lifecycle controller."),
		kong.UsageOnError(),
		kong.Writers(stdout, os.Stderr),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.BindTo(stdout, (*io.Writer)(nil))
	if kctx.Command() == "version" {
		return kctx.Run()
	}

	a, err := newApp(cli.Config, cli.LogLevel, stdout)
	if err != nil {
		return err
	}
	return kctx.Run(a)
}
