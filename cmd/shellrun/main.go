package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/guseggert/shellproc/shell"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:      "shellrun",
		Usage:     "run a command through the platform shell, relaying stdin and draining output until it exits",
		ArgsUsage: "<command>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "How often to poll the child's pipes and exit status.",
				Value: 10 * time.Millisecond,
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() == 0 {
				return cli.Exit("no command given", 2)
			}
			command := strings.Join(ctx.Args().Slice(), " ")

			var opts []shell.Option
			if ctx.Bool("verbose") {
				l, err := zap.NewDevelopment()
				if err != nil {
					return fmt.Errorf("building logger: %w", err)
				}
				opts = append(opts, shell.WithLogger(l))
			}
			opts = append(opts, shell.WithPollInterval(ctx.Duration("poll-interval")))

			sh, err := shell.New(command, opts...)
			if err != nil {
				return fmt.Errorf("starting command: %w", err)
			}
			defer sh.Close()

			go func() {
				// The child may exit without reading all of stdin, so copy
				// errors here just end the relay.
				io.Copy(sh, os.Stdin)
			}()

			for !sh.HasExited() {
				os.Stdout.Write(sh.DrainStdout())
				os.Stderr.Write(sh.DrainStderr())
				time.Sleep(ctx.Duration("poll-interval"))
			}
			os.Stdout.Write(sh.DrainStdout())
			os.Stderr.Write(sh.DrainStderr())

			if code := sh.ExitCode(); code != 0 {
				return cli.Exit("", code)
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
