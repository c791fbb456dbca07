package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/lo"
	"github.com/urfave/cli/v3"

	"github.com/kriansa/guestcheck/internal/cloud"
	"github.com/kriansa/guestcheck/internal/config"
	"github.com/kriansa/guestcheck/internal/log"
	"github.com/kriansa/guestcheck/internal/suite"
	"github.com/kriansa/guestcheck/internal/suite/network"
	"github.com/kriansa/guestcheck/internal/version"
)

const suiteName = "network"

func main() {
	cmd := &cli.Command{
		Name:  "guestcheck",
		Usage: "Run guest network acceptance cases against EC2 instances",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path",
				Value:   config.DefaultConfigPath,
			},
			&cli.StringFlag{
				Name:    "region",
				Aliases: []string{"r"},
				Usage:   "AWS region of the instances",
			},
			&cli.StringSliceFlag{
				Name:    "instance",
				Aliases: []string{"i"},
				Usage:   "Instance ID under test, repeat for more nodes",
			},
			&cli.StringFlag{
				Name:  "ssh-user",
				Usage: "Guest login user",
			},
			&cli.StringFlag{
				Name:  "ssh-key",
				Usage: "Private key used to log into the guests",
			},
			&cli.StringSliceFlag{
				Name:  "case",
				Usage: "Regex selecting cases by name or tag, repeatable",
			},
			&cli.BoolFlag{
				Name:  "invert",
				Usage: "Run the cases the --case regexes do not select",
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "Stop at the first failed case",
			},
			&cli.StringFlag{
				Name:    "results-file",
				Aliases: []string{"o"},
				Usage:   "JUnit report destination",
			},
			&cli.BoolFlag{
				Name:    "list",
				Aliases: []string{"l"},
				Usage:   "List the selected cases and exit",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Also write a rotating debug log to this file",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"V"},
				Usage:   "Print version information",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("version") {
		fmt.Println(version.String())
		return nil
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Merge(config.Overrides{
		Region:      cmd.String("region"),
		Instances:   cmd.StringSlice("instance"),
		SSHUser:     cmd.String("ssh-user"),
		SSHKeyPath:  cmd.String("ssh-key"),
		ResultsFile: cmd.String("results-file"),
		LogFile:     cmd.String("log-file"),
	})
	cfg.ApplyDefaults()

	logger := log.Setup(log.Options{Verbose: cmd.Bool("verbose"), File: cfg.LogFile})

	regexes, err := suite.CompileRegexes(cmd.StringSlice("case"))
	if err != nil {
		return err
	}
	ts := suite.RegexpSelection(regexes, cmd.Bool("invert"), suite.NewSuite(suiteName, network.Cases()))

	if cmd.Bool("list") {
		suite.PrintSuite(logger, ts)
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting guest checks",
		"region", cfg.Region,
		"instances", cfg.Instances,
		"interface", cfg.Network.Interface,
		"results", cfg.ResultsFile,
	)

	api, err := cloud.NewEC2Client(ctx, cfg.Region)
	if err != nil {
		return err
	}
	instances, err := cloud.Open(ctx, api, cfg.Instances, logger)
	if err != nil {
		return fmt.Errorf("open instances: %w", err)
	}
	vms := lo.Map(instances, func(i *cloud.EC2Instance, _ int) cloud.VM {
		log.Debug("instance opened", "instance", i.ID(), "type", i.InstanceType(), "address", i.PublicAddress())
		return i
	})

	var newNIC func() cloud.NIC
	if cfg.Network.SubnetID != "" {
		newNIC = func() cloud.NIC {
			return cloud.NewNetworkInterface(api, cfg.Network.SubnetID, cfg.Network.SecurityGroups, logger)
		}
	}

	env, err := suite.NewEnv(vms, cfg, newNIC, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	opts := suite.OptionsFromConfig(cfg)
	opts.FailFast = cmd.Bool("fail-fast")
	ts = suite.NewRunner(logger, env, opts).Run(ctx, ts)

	if err := suite.WriteJUnitFile(cfg.ResultsFile, *ts); err != nil {
		return err
	}
	log.Info("wrote junit report", "path", cfg.ResultsFile)

	if ts.Failures > 0 {
		log.Error("guest checks failed", "failed", ts.Failures, "skipped", ts.Skipped, "total", ts.Tests)
		return fmt.Errorf("%d of %d cases failed", ts.Failures, ts.Tests)
	}
	return nil
}
