// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ocidelta pulls OCI images into a tree repository, mirrors them
// into a local OCI layout and serves that layout to other machines.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/shayne/yargs"
	"github.com/sirupsen/logrus"
	"github.com/yeetrun/ocidelta/pkg/config"
	"golang.org/x/term"
)

type globalFlagsParsed struct {
	Verbose bool   `flag:"verbose" short:"v" help:"Log debug output"`
	Config  string `flag:"config" help:"Config file (default: nearest ocidelta.toml, or OCIDELTA_CONFIG)"`
	Quiet   bool   `flag:"quiet" short:"q" help:"Do not print progress"`
}

var globalFlags globalFlagsParsed

func parseGlobalFlags(args []string) (globalFlagsParsed, []string, error) {
	result, err := yargs.ParseKnownFlags[globalFlagsParsed](args, yargs.KnownFlagsOptions{})
	if err != nil {
		return globalFlagsParsed{}, nil, err
	}
	return result.Flags, result.RemainingArgs, nil
}

func setupLogging(w io.Writer, verbose bool) {
	logrus.SetOutput(w)
	f, ok := w.(*os.File)
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:    !ok || !term.IsTerminal(int(f.Fd())),
		DisableTimestamp: true,
	})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
}

func loadConfig() (*config.Location, error) {
	if globalFlags.Config != "" {
		return config.LoadFile(globalFlags.Config)
	}
	return config.LoadOrDefault()
}

func main() {
	flags, remaining, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	globalFlags = flags
	setupLogging(os.Stderr, flags.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	helpConfig := buildHelpConfig()
	args := yargs.ApplyAliases(remaining, helpConfig)
	if err := yargs.RunSubcommandsWithGroups(ctx, args, helpConfig, globalFlagsParsed{}, buildHandlers(), buildGroupHandlers()); err != nil {
		printCLIError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func buildHandlers() map[string]yargs.SubcommandHandler {
	return map[string]yargs.SubcommandHandler{
		"pull":        handlePull,
		"mirror":      handleMirror,
		"serve":       handleServe,
		"layer":       handleLayer,
		"apply-delta": handleApplyDelta,
		"token":       handleToken,
		"refs":        handleRefs,
		"resolve":     handleResolve,
	}
}

func buildGroupHandlers() map[string]yargs.Group {
	return map[string]yargs.Group{
		"remote": {
			Description: "Manage configured registries",
			Commands: map[string]yargs.SubcommandHandler{
				"add":    handleRemoteAdd,
				"list":   handleRemoteList,
				"remove": handleRemoteRemove,
			},
		},
	}
}

func buildHelpConfig() yargs.HelpConfig {
	return yargs.HelpConfig{
		Command: yargs.CommandInfo{
			Name:        "ocidelta",
			Description: "Pull, mirror and serve OCI images with layer deltas.",
			Examples: []string{
				"ocidelta remote add origin https://registry.example.com --repository=org/app",
				"ocidelta pull origin app/org.example.App/x86_64/stable latest",
				"ocidelta mirror origin app/org.example.App/x86_64/stable latest",
				"ocidelta serve --addr=:5000",
			},
		},
		SubCommands: map[string]yargs.SubCommandInfo{
			"pull": {
				Name:        "pull",
				Description: "Pull an image into the tree repository",
				Usage:       "REMOTE REF IMAGE [--no-deltas] [--delta-url=URL]",
				Examples:    []string{"ocidelta pull origin app/org.example.App/x86_64/stable sha256:<hex>"},
			},
			"mirror": {
				Name:        "mirror",
				Description: "Mirror an image into the local OCI layout",
				Usage:       "REMOTE REF IMAGE [--no-deltas] [--delta-url=URL]",
			},
			"serve": {
				Name:        "serve",
				Description: "Serve the local OCI layout over the registry API",
				Usage:       "[--addr=:5000] [--token=T] [--user=U --password=P]",
			},
			"layer": {
				Name:        "layer",
				Description: "Pack a directory into a gzip layer in the local OCI layout",
				Usage:       "DIR [--prefix=PATH]",
			},
			"apply-delta": {
				Name:        "apply-delta",
				Description: "Rebuild a layer from a delta file and a pulled commit",
				Usage:       "DELTA COMMIT|REMOTE:REF [--out=FILE | --store]",
			},
			"token": {
				Name:        "token",
				Description: "Request a bearer token for a remote",
				Usage:       "REMOTE IMAGE",
			},
			"refs": {
				Name:        "refs",
				Description: "List refs in the tree repository",
			},
			"resolve": {
				Name:        "resolve",
				Description: "Print the manifest digest a tag points at",
				Usage:       "REMOTE TAG",
			},
		},
		Groups: map[string]yargs.GroupInfo{
			"remote": {
				Name:        "remote",
				Description: "Manage configured registries",
				Commands: map[string]yargs.SubCommandInfo{
					"add": {
						Name:        "add",
						Description: "Add or replace a remote",
						Usage:       "NAME URL [--repository=R] [--delta-url=U] [--basic-auth=USER:PASS] [--ca-file=F]",
					},
					"list": {
						Name:        "list",
						Description: "List remotes",
						Aliases:     []string{"ls"},
					},
					"remove": {
						Name:        "remove",
						Description: "Remove a remote",
						Usage:       "NAME [--yes]",
						Aliases:     []string{"rm"},
					},
				},
			},
		},
	}
}

func printCLIError(w io.Writer, err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(w, errorColor.Sprint("error: ")+err.Error())
}
