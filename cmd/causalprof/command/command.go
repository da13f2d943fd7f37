// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package command implements the causalprof command.
package command

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/DataDog/causalprof/pkg/linemap"
	"github.com/DataDog/causalprof/pkg/procmaps"
	"github.com/DataDog/causalprof/pkg/util/log"
	"github.com/DataDog/causalprof/pkg/version"
)

// GlobalParams contains the values of the top-level Cobra flags. Its
// contents are not valid until Cobra calls a subcommand's Run or RunE
// function.
type GlobalParams struct {
	// LogLevel is the minimum level logged to the console.
	LogLevel string

	// LogFile duplicates log output to a file when non-empty.
	LogFile string

	// PID selects the process to inspect, the current one when 0.
	PID int

	// NoColor is a flag to disable color output
	NoColor bool
}

// indexParams holds the flags shared by the subcommands that build the
// line index.
type indexParams struct {
	scope            []string
	includeLibraries bool
}

// RootCommand returns the top-level Cobra command for causalprof.
func RootCommand() *cobra.Command {
	var globalParams GlobalParams

	rootCmd := &cobra.Command{
		Use:   "causalprof [command]",
		Short: "Source line resolution for causal profiling.",
		Long: `
causalprof resolves the debug information of a running process: it
enumerates the executable modules mapped into the process, locates their
debug images, and indexes the address ranges of every source line in the
profiled scope, including code inlined into it from elsewhere.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if globalParams.NoColor {
				color.NoColor = true
			}
			return log.SetupConsoleLogger(globalParams.LogLevel, globalParams.LogFile)
		},
	}

	pflags := rootCmd.PersistentFlags()
	pflags.StringVarP(&globalParams.LogLevel, "log-level", "l", defaultLogLevel(), "minimum log level (trace, debug, info, warn, error)")
	pflags.StringVar(&globalParams.LogFile, "log-file", "", "duplicate log output to this file")
	pflags.IntVarP(&globalParams.PID, "pid", "p", 0, "process to inspect, the current process when 0")
	pflags.BoolVarP(&globalParams.NoColor, "no-color", "n", false, "disable color output")

	rootCmd.AddCommand(Commands(&globalParams)...)
	return rootCmd
}

// Commands returns the causalprof subcommands.
func Commands(globalParams *GlobalParams) []*cobra.Command {
	var cmds []*cobra.Command

	{
		var includeLibraries bool
		cmd := &cobra.Command{
			Use:   "modules",
			Short: "List the executable modules mapped into the process",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := checkTarget(globalParams.PID); err != nil {
					return err
				}
				var opts []procmaps.Option
				if globalParams.PID > 0 {
					opts = append(opts, procmaps.WithPID(globalParams.PID))
				}
				out := cmd.OutOrStdout()
				for _, mod := range procmaps.New(opts...).Enumerate(includeLibraries) {
					fmt.Fprintf(out, "%#x %s\n", mod.Base, mod.Path)
				}
				return nil
			},
		}
		cmd.Flags().BoolVar(&includeLibraries, "include-libraries", false, "include shared libraries beyond the main executable")
		cmds = append(cmds, cmd)
	}

	{
		var params indexParams
		cmd := &cobra.Command{
			Use:   "lines",
			Short: "Build the line index and dump it",
			Long: `
Builds the full address range index for the target process and prints
it, one file per block in the order files were first seen, with each
line's address intervals in ascending order.`,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := buildIndex(globalParams, &params)
				if err != nil {
					return err
				}
				dumpIndex(cmd, m)
				return nil
			},
		}
		addIndexFlags(cmd, &params)
		cmds = append(cmds, cmd)
	}

	{
		var params indexParams
		cmd := &cobra.Command{
			Use:   "resolve <address|file:line>...",
			Short: "Resolve addresses to source lines and back",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := buildIndex(globalParams, &params)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, arg := range args {
					fmt.Fprintln(out, resolveQuery(m, arg))
				}
				return nil
			},
		}
		addIndexFlags(cmd, &params)
		cmds = append(cmds, cmd)
	}

	{
		cmd := &cobra.Command{
			Use:   "version",
			Short: "Print the version info",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(
					color.Output,
					fmt.Sprintf("causalprof %s - Commit: %s - Go version: %s",
						color.CyanString(version.Version),
						color.GreenString(version.Commit),
						color.RedString(runtime.Version()),
					),
				)
			},
		}
		cmds = append(cmds, cmd)
	}

	return cmds
}

func defaultLogLevel() string {
	if level := os.Getenv("CAUSALPROF_LOG_LEVEL"); level != "" {
		return level
	}
	return "info"
}

func addIndexFlags(cmd *cobra.Command, params *indexParams) {
	cmd.Flags().StringSliceVarP(&params.scope, "scope", "s", nil, "source path prefixes to attribute lines under")
	cmd.Flags().BoolVar(&params.includeLibraries, "include-libraries", false, "include shared libraries beyond the main executable")
	_ = cmd.MarkFlagRequired("scope")
}

// checkTarget rejects a pid that is no longer alive before enumeration,
// which would otherwise surface as an empty mapping table.
func checkTarget(pid int) error {
	if pid > 0 && !procmaps.Alive(pid) {
		return fmt.Errorf("no such process: %d", pid)
	}
	return nil
}

func buildIndex(globalParams *GlobalParams, params *indexParams) (*linemap.Map, error) {
	if err := checkTarget(globalParams.PID); err != nil {
		return nil, err
	}
	m := linemap.Build(linemap.BuildOptions{
		Scope:            params.scope,
		IncludeLibraries: params.includeLibraries,
		PID:              globalParams.PID,
	})
	return m, nil
}

func dumpIndex(cmd *cobra.Command, m *linemap.Map) {
	byFile := make(map[*linemap.File][]linemap.Entry)
	for _, e := range m.Entries() {
		byFile[e.Line.File()] = append(byFile[e.Line.File()], e)
	}
	out := cmd.OutOrStdout()
	for _, f := range m.Files() {
		fmt.Fprintln(out, f.Path())
		for _, e := range byFile[f] {
			fmt.Fprintf(out, "  %s %d\n", e.Interval, e.Line.Number())
		}
	}
}

// resolveQuery answers one query, an instruction address in any integer
// syntax or a file:line location.
func resolveQuery(m *linemap.Map, arg string) string {
	if addr, err := strconv.ParseUint(arg, 0, 64); err == nil {
		if l := m.LookupPC(addr); l != nil {
			return fmt.Sprintf("%#x -> %s", addr, l)
		}
		return fmt.Sprintf("%#x -> no line", addr)
	}
	if l := m.LookupSpec(arg); l != nil {
		return fmt.Sprintf("%s -> %s", arg, l)
	}
	return fmt.Sprintf("%s -> no line", arg)
}
