package main

import (
	"fmt"
	"runtime/debug"
)

// VersionCmd prints build provenance, the same information
// cmd/sand/main.go's VersionCmd reads off runtime/debug.ReadBuildInfo
// when no linker-injected version variables are set.
type VersionCmd struct{}

func (c *VersionCmd) Run(appctx *Context) error {
	fmt.Println("arcad: arca-bridge host daemon")

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Println("build info not available")
		return nil
	}
	fmt.Printf("Go version: %s\n", buildInfo.GoVersion)
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			fmt.Printf("Git Commit: %s\n", setting.Value)
		case "vcs.time":
			fmt.Printf("Commit Time: %s\n", setting.Value)
		case "vcs.modified":
			fmt.Printf("Modified: %s\n", setting.Value)
		}
	}
	return nil
}
