// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package version

import (
	"strconv"
	"time"
)

const (
	DevelopmentVersion = "dev"
)

// Set at build time via -ldflags.
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

type VersionOutput struct {
	Version    string `json:"version"`
	CommitHash string `json:"commitHash,omitempty"`
	BuildTime  string `json:"buildTimestamp,omitempty"`
}

// Version returns the build version information for this binary.
func Version() VersionOutput {
	var buildTime string
	if BuildTimestamp != "" {
		if parsedTimestamp, parseErr := strconv.ParseInt(BuildTimestamp, 10, 64); parseErr == nil {
			buildTime = time.Unix(parsedTimestamp, 0).UTC().Format(time.RFC3339)
		}
	}

	return VersionOutput{
		Version:    ProductVersion,
		CommitHash: CommitHash,
		BuildTime:  buildTime,
	}
}
