package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// buildSettings are the settings of debug.BuildInfo reported by
// BuildInfo, in order.
var buildSettings = []string{"GOOS", "GOARCH", "CGO_ENABLED", "vcs.revision", "vcs.time", "vcs.modified"}

// Version represents the current version of dexec.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// DexecVersion is the current version of dexec.
var DexecVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the toolchain, the build settings and the module
// versions dexec was built with.
func BuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return fmt.Sprintf("%s\nnot built in module mode\n", runtime.Version())
	}
	return fmt.Sprintf("%s\n%s", runtime.Version(), formatBuildInfo(info))
}

func formatBuildInfo(info *debug.BuildInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, " mod\t%s\t%s\t%s\n", info.Main.Path, info.Main.Version, info.Main.Sum)
	for _, key := range buildSettings {
		for _, setting := range info.Settings {
			if setting.Key == key {
				fmt.Fprintf(&sb, " build\t%s=%s\n", setting.Key, setting.Value)
			}
		}
	}
	for _, dep := range info.Deps {
		fmt.Fprintf(&sb, " dep\t%s\t%s", dep.Path, dep.Version)
		if dep.Replace != nil {
			fmt.Fprintf(&sb, "\t=> %s\t%s", dep.Replace.Path, dep.Replace.Version)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func fixBuild(v *Version) {
	// keep a Build set by the linker, unless it is the unexpanded ident
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
}
