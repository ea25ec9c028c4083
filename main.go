// Copyright 2024 ServoWorker authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	terminate "github.com/pulcy/go-terminate"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/armbotics/ServoWorker/model"
	"github.com/armbotics/ServoWorker/pkg/pulse"
	"github.com/armbotics/ServoWorker/pkg/server"
	"github.com/armbotics/ServoWorker/service"
	"github.com/armbotics/ServoWorker/service/bridge"
	"github.com/armbotics/ServoWorker/service/devices"
)

const (
	projectName        = "ServoWorker"
	defaultMetricsPort = 7120
)

var (
	projectVersion = "dev"
	projectBuild   = "dev"
	maskAny        = errors.WithStack
)

func main() {
	var configFile string
	var levelFlag string
	var serverHost string
	var metricsPort int
	var detect bool
	var demo bool

	pflag.StringVarP(&configFile, "config", "c", "config.yaml", "Path to the channel configuration file")
	pflag.StringVarP(&levelFlag, "level", "l", "debug", "Set log level")
	pflag.StringVar(&serverHost, "host", "0.0.0.0", "Host address the HTTP server will listen on")
	pflag.IntVar(&metricsPort, "metrics-port", defaultMetricsPort, "Port the HTTP server will listen on")
	pflag.BoolVar(&detect, "detect", false, "Probe the configured I2C bus for devices and exit")
	pflag.BoolVar(&demo, "demo", false, "Play the configured demo sequence, then exit")
	pflag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	level, err := zerolog.ParseLevel(levelFlag)
	if err != nil {
		Exitf("Unknown log level '%s': %v\n", levelFlag, err)
	}
	logger = logger.Level(level)

	cfg, err := model.LoadConfigFile(configFile)
	if err != nil {
		Exitf("Failed to load configuration from %s: %v\n", configFile, err)
	}

	if detect {
		detectDevices(cfg)
		return
	}

	svc := service.NewService(service.Config{
		Bounds: pulse.Bounds{
			MinUs:       cfg.Pulse.MinUs,
			MaxUs:       cfg.Pulse.MaxUs,
			AngleOffset: cfg.Pulse.AngleOffset,
			AngleSpan:   cfg.Pulse.AngleSpan,
		},
		SmoothSteps: cfg.Smoothing.Steps,
		StepDelay:   time.Duration(cfg.Smoothing.StepDelayMs) * time.Millisecond,
		Channels:    cfg.Channels,
		Sequence:    cfg.Sequence,
	}, service.Dependencies{
		Log:     logger,
		Outputs: newOutputBuilder(cfg, logger),
	})

	httpServer := server.New(server.Config{
		Host:     serverHost,
		HTTPPort: metricsPort,
	}, logger)

	// Prepare to shutdown in a controlled manor
	ctx, cancel := context.WithCancel(context.Background())
	t := terminate.NewTerminator(func(template string, args ...interface{}) {
		logger.Info().Msgf(template, args...)
	}, cancel)
	go t.ListenSignals()

	fmt.Printf("Starting %s (version %s build %s)\n", projectName, projectVersion, projectBuild)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error { return httpServer.Run(ctx) })
	if demo {
		g.Go(func() error {
			defer cancel()
			return svc.RunSequence(ctx, nil)
		})
	}
	if err := g.Wait(); err != nil {
		Exitf("Service run failed: %#v", err)
	}
}

// newOutputBuilder wires the configured channels to their pulse generating
// backends. Hardware is only touched when the service configures a backend,
// never here.
func newOutputBuilder(cfg model.Config, logger zerolog.Logger) service.OutputBuilder {
	return func(kind model.BackendKind) (devices.Output, error) {
		switch kind {
		case model.BackendSoftPWM:
			addrs := make(map[int]bridge.LineAddress)
			var outputs []int
			for _, ch := range cfg.Channels {
				if ch.Backend != model.BackendSoftPWM {
					continue
				}
				outputs = append(outputs, ch.Line)
				addrs[ch.Line] = bridge.LineAddress{Chip: ch.Chip, Offset: ch.Line}
			}
			opener := func(output int) (bridge.Line, error) {
				addr, found := addrs[output]
				if !found {
					return nil, errors.Wrapf(model.NotFoundError, "no gpio line configured for output %d", output)
				}
				return bridge.OpenOutputLine(addr, projectName)
			}
			return devices.NewSoftPWM(devices.SoftPWMConfig{
				PeriodUs:      cfg.SoftPWM.PeriodUs,
				SpinThreshold: time.Duration(cfg.SoftPWM.SpinThresholdUs) * time.Microsecond,
				SleepSlack:    time.Duration(cfg.SoftPWM.SleepSlackUs) * time.Microsecond,
			}, outputs, opener, logger), nil

		case model.BackendHardwarePWM:
			var pins []int
			for _, ch := range cfg.Channels {
				if ch.Backend == model.BackendHardwarePWM {
					pins = append(pins, ch.Pin)
				}
			}
			commander := bridge.NewCommander(cfg.HardwarePWM.Binary,
				time.Duration(cfg.HardwarePWM.CommandTimeoutSec)*time.Second, logger)
			return devices.NewHardwarePWM(devices.HardwarePWMConfig{
				ClockDivisor: cfg.HardwarePWM.ClockDivisor,
				RangeUnits:   cfg.HardwarePWM.RangeUnits,
			}, pins, commander, logger), nil

		case model.BackendExpander:
			bus, err := bridge.NewI2CBus(cfg.Expander.Bus)
			if err != nil {
				return nil, maskAny(err)
			}
			return devices.NewPCA9685(devices.PCA9685Config{
				Address:     cfg.Expander.Address,
				FrequencyHz: cfg.Expander.FrequencyHz,
			}, bus, logger), nil
		}
		return nil, model.InvalidArgument("unknown backend kind '%s'", kind)
	}
}

// detectDevices probes the configured I2C bus and prints the addresses that
// answered.
func detectDevices(cfg model.Config) {
	bus, err := bridge.NewI2CBus(cfg.Expander.Bus)
	if err != nil {
		Exitf("Failed to open I2C bus %s: %v\n", cfg.Expander.Bus, err)
	}
	defer bus.Close()
	addrs := bus.DetectSlaveAddresses()
	if len(addrs) == 0 {
		fmt.Printf("No devices found on %s\n", cfg.Expander.Bus)
		return
	}
	for _, addr := range addrs {
		fmt.Printf("Found device at 0x%02x on %s\n", addr, cfg.Expander.Bus)
	}
}

// Print the given error message and exit with code 1
func Exitf(message string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, message, args...)
	os.Exit(1)
}
