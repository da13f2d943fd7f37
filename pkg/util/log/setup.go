// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package log

import (
	"fmt"
	"strings"

	"github.com/cihub/seelog"
)

const logFileMaxSize = 10 * 1024 * 1024         // 10MB
const logDateFormat = "2006-01-02 15:04:05 MST" // see time.Format for format syntax

// SetupConsoleLogger builds a console seelog backend at the given level
// and installs it as the process logger. When logFile is non-empty the
// output is duplicated to a size-capped rolling file.
func SetupConsoleLogger(level, logFile string) error {
	configTemplate := `<seelog minlevel="%s">
    <outputs formatid="common">
        <console />`
	if logFile != "" {
		configTemplate += `<rollingfile type="size" filename="%s" maxsize="%d" maxrolls="1" />`
	}
	configTemplate += `</outputs>
    <formats>
        <format id="common" format="%%Date(%s) | %%LEVEL | (%%RelFile:%%Line) | %%Msg%%n"/>
    </formats>
</seelog>`

	var config string
	if logFile != "" {
		config = fmt.Sprintf(configTemplate, strings.ToLower(level), logFile, logFileMaxSize, logDateFormat)
	} else {
		config = fmt.Sprintf(configTemplate, strings.ToLower(level), logDateFormat)
	}

	l, err := seelog.LoggerFromConfigAsString(config)
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}
