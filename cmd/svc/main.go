package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-scheduler/pkg/config"
	"github.com/livekit/svc-scheduler/pkg/telemetry/prometheus"
)

const version = "0.1.0"

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"SVC_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "scalability-mode",
		Usage:   "scalability mode of the stream, L1T1 to L3T3",
		EnvVars: []string{"SVC_SCALABILITY_MODE"},
	},
	&cli.IntFlag{
		Name:    "key-frame-period",
		Usage:   "super-frames between periodic key frames",
		EnvVars: []string{"SVC_KEY_FRAME_PERIOD"},
	},
	&cli.IntFlag{
		Name:  "frames",
		Usage: "super-frames to send per session, 0 runs until interrupted",
	},
	&cli.IntFlag{
		Name:  "sessions",
		Usage: "number of concurrent sessions",
		Value: 1,
	},
	&cli.IntFlag{
		Name:  "target-spatial",
		Usage: "spatial layer forwarded by the receiving selector, -1 forwards the highest",
		Value: -1,
	},
	&cli.IntFlag{
		Name:  "target-temporal",
		Usage: "temporal layer forwarded by the receiving selector, -1 forwards the highest",
		Value: -1,
	},
	// debugging flags
	&cli.StringFlag{
		Name:  "memprofile",
		Usage: "write memory profile to `file`",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "svc",
		Usage:       "VP9 SVC layer scheduler",
		Description: "run without subcommands to stream synthetic SVC sessions",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      startSessions,
		Commands: []*cli.Command{
			{
				Name:   "plan",
				Usage:  "print the per layer reference and refresh plan",
				Action: printPlan,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "super-frames",
						Usage: "number of super-frames to plan",
						Value: 9,
					},
				},
			},
			{
				Name:   "fps-allocation",
				Usage:  "print the frame rate share of each temporal layer",
				Action: printFpsAllocation,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if conf.Development {
		logger.Infow("starting in development mode")
	}
	return conf, nil
}

func startSessions(c *cli.Context) error {
	memProfile := c.String("memprofile")

	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	if memProfile != "" {
		if f, err := os.Create(memProfile); err != nil {
			return err
		} else {
			defer func() {
				// run memory profile at termination
				runtime.GC()
				_ = pprof.WriteHeapProfile(f)
				_ = f.Close()
			}()
		}
	}

	prometheus.Init(conf.NodeID)
	if conf.PrometheusPort != 0 {
		go func() {
			addr := fmt.Sprintf(":%d", conf.PrometheusPort)
			logger.Infow("serving metrics", "addr", addr)
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				logger.Errorw("metrics server stopped", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Infow("exit requested, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return runSessions(ctx, conf, sessionOptions{
		sessions:       c.Int("sessions"),
		frames:         c.Int("frames"),
		targetSpatial:  c.Int("target-spatial"),
		targetTemporal: c.Int("target-temporal"),
	})
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	configFile, err := homedir.Expand(configFile)
	if err != nil {
		return "", err
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
