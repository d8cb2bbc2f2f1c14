// Command clustergated runs the cluster gateway: a health-checking reverse
// proxy with a mutual-TLS control plane. `run` starts one gateway process;
// `supervise` wraps it in a restarting parent with a crash-loop breaker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"clustergate/config"
	"clustergate/control"
	"clustergate/gateway"
	"clustergate/logging"
)

const configFlag = "config"

var rootCmd = cli.Command{
	Name:  "clustergated",
	Usage: "cluster gateway daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  configFlag,
			Usage: "path to the YAML config file",
			Value: "",
		},
	},
	Commands: []*cli.Command{
		{
			Name:   "run",
			Usage:  "run one gateway process in the foreground",
			Action: runGateway,
		},
		{
			Name:   "supervise",
			Usage:  "run the gateway under a restarting supervisor",
			Action: runSupervised,
		},
		{
			Name:  "cert",
			Usage: "issue a client certificate signed by the cluster CA",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "cn",
					Usage:    "certificate common name (backend or frontend)",
					Required: true,
				},
				&cli.DurationFlag{
					Name:  "ttl",
					Usage: "certificate lifetime",
					Value: 365 * 24 * time.Hour,
				},
			},
			Action: issueCert,
		},
	},
}

func setup(cmd *cli.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.String(configFlag))
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runGateway(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	g, err := gateway.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return g.Serve(ctx)
}

// runSupervised re-execs this binary's run command as a child and restarts
// it on abnormal exit. Five crashes inside ten seconds trip the breaker.
func runSupervised(ctx context.Context, cmd *cli.Command) error {
	_, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own binary: %w", err)
	}
	args := []string{"run"}
	if path := cmd.String(configFlag); path != "" {
		args = append([]string{"--" + configFlag, path}, args...)
	}

	sup := gateway.NewSupervisor(log, func(ctx context.Context) (func() error, error) {
		child := exec.CommandContext(ctx, self, args...)
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			return nil, fmt.Errorf("start gateway: %w", err)
		}
		log.Info("gateway started", zap.Int("pid", child.Process.Pid))
		return child.Wait, nil
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sup.Run(ctx)
}

// issueCert writes a CA-signed client keypair to stdout for enrolling a
// backend or frontend with the control plane.
func issueCert(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	material, err := control.LoadMaterial(cfg.TLS.Dir)
	if err != nil {
		return err
	}
	certPEM, keyPEM, err := material.IssueClientCert(cmd.String("cn"), cmd.Duration("ttl"))
	if err != nil {
		return err
	}
	os.Stdout.Write(certPEM)
	os.Stdout.Write(keyPEM)
	return nil
}

func main() {
	if err := rootCmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
