// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version defines the version of causalprof
package version

// Version contains the version of causalprof.
// It is populated at build time using build flags.
var Version string

// Commit is populated with the short commit hash from which causalprof was built
var Commit string

var versionDefault = "0.1.0"

func init() {
	if Version == "" {
		Version = versionDefault
	}
}
