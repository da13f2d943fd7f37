// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package main is the entrypoint of the causalprof command.
package main

import (
	"os"

	"github.com/DataDog/causalprof/cmd/causalprof/command"
	"github.com/DataDog/causalprof/pkg/util/log"
)

func main() {
	if err := command.RootCommand().Execute(); err != nil {
		log.Error(err)
		log.Flush()
		os.Exit(-1)
	}
	log.Flush()
}
