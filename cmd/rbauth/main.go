package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"

	"github.com/scardozos/rottenbikes-auth/internal/config"
	"github.com/scardozos/rottenbikes-auth/internal/logging"
)

const usage = `usage: rbauth <command> [flags] [args]

commands:
  login <email|username>        request a magic link (mobile platform waits for it)
  register <username> <email>   create an account and request its first link
  confirm [-origin mobile] <token>
                                open a magic link on this device
  status                        show the stored session
  whoami                        verify the session against the backend
  logout                        forget the stored session
  serve                         run the confirmation server
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "rbauth: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) (err error) {
	if len(args) == 0 {
		return errUsage
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var opts options
	if cmd.flags != nil {
		cmd.flags(fs, &opts)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != cmd.nargs {
		return fmt.Errorf("%w: %s takes %d argument(s)", errUsage, args[0], cmd.nargs)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.LogLevel)

	a, err := newApp(ctx, cfg, logger, out)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.Close())
	}()

	return cmd.run(ctx, a, out, fs.Args(), &opts)
}
