package main

import "fmt"

// set with -ldflags "-X main.gitSHA1=..."
var (
	gitSHA1   string = "unknown"
	gitDirty  string = "unknown"
	buildID   string = "unknown"
	buildDate string = "unknown"
)

func Version() string {
	v := fmt.Sprintf("go-reactor git:%s", gitSHA1)
	if gitDirty != "0" && gitDirty != "unknown" {
		v += "-dirty"
	}
	return fmt.Sprintf("%s build:%s date:%s", v, buildID, buildDate)
}
