// Copyright 2021-2022 The walktrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/alwitt/walktrack/cmd"
	"github.com/alwitt/walktrack/common"
	"github.com/alwitt/walktrack/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	EnableNATS bool
	Hostname   string
}

type exportArgs struct {
	SessionID string `validate:"required"`
	SinceSeq  uint64
}

var cmdArgs cliArgs

var exportCmdArgs exportArgs

var logTags log.Fields

// @title walktrack
// @version v0.1.0
// @description Live walk tracking: ingests walker GPS samples, persists routes and streams them to owners

// @host localhost:3000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Live walk tracking service",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Run the walktrack server",
				Description: "Serves the session REST API and the live tracking WebSocket",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "enable-nats",
						Usage:       "Consume lifecycle events and publish notices over NATS",
						Aliases:     []string{"n"},
						EnvVars:     []string{"ENABLE_NATS"},
						Value:       false,
						DefaultText: "false",
						Destination: &cmdArgs.EnableNATS,
						Required:    false,
					},
				},
				Action: startTrackingServer,
			},
			{
				Name:        "export-route",
				Usage:       "Print a session's stored route as JSON",
				Description: "Reads the route store directly; run against a stopped server for bolt",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "session-id",
						Usage:       "Session to export",
						Aliases:     []string{"s"},
						Destination: &exportCmdArgs.SessionID,
						Required:    true,
					},
					&cli.Uint64Flag{
						Name:        "since-seq",
						Usage:       "Only export samples after this sequence number",
						Value:       0,
						DefaultText: "0",
						Destination: &exportCmdArgs.SinceSeq,
						Required:    false,
					},
				},
				Action: exportRoute,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	if cmdArgs.EnableNATS {
		common.InstallDefaultNATSConfigValues()
	}
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareNATSClient define the NATS client
func prepareNATSClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (*core.NatsClient, error) {
	natsParam := core.ConnectParamsFromConfig(config)
	natsParam.OnCloseCallback = func(_ *nats.Conn) {
		log.WithFields(logTags).Error("NATS client closed connection")
		ctxtCancel()
	}
	client, err := core.GetNATSClient(natsParam)
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, ctxt context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-ctxt.Done():
		}
	}()
}

// ============================================================================
// Serve subcommand

// startTrackingServer run the tracking server
func startTrackingServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if cmdArgs.EnableNATS && config.NATS == nil {
		return fmt.Errorf("NATS integration requested without NATS configuration")
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	var natsClient *core.NatsClient
	if cmdArgs.EnableNATS {
		natsClient, err = prepareNATSClient(*config.NATS, rtCancel)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		defer natsClient.Close(context.Background())
	} else {
		config.NATS = nil
	}

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunTrackingServer(runTimeContext, config, cmdArgs.Hostname, natsClient, wg)
}

// ============================================================================
// Export subcommand

// exportRoute print a session's stored route
func exportRoute(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	validate := validator.New()
	if err := validate.Struct(&exportCmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid export args")
		return err
	}
	return cmd.ExportRoute(
		c.Context, config.Storage, exportCmdArgs.SessionID, exportCmdArgs.SinceSeq, os.Stdout,
	)
}
