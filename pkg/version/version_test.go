package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	assert.Equal(t, "Version: 1.2.3-rc1\nBuild: abcdef", v.String())

	v.Metadata = ""
	assert.True(t, strings.HasPrefix(v.String(), "Version: 1.2.3\n"))
}

func TestBuildInfo(t *testing.T) {
	assert.True(t, strings.HasPrefix(BuildInfo(), runtime.Version()+"\n"))
}

func TestFormatBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/go-delve/dexec", Version: "(devel)"},
		Deps: []*debug.Module{
			{Path: "github.com/spf13/cobra", Version: "v1.1.3"},
			{Path: "github.com/go-delve/liner", Version: "v1.2.2", Replace: &debug.Module{Path: "../liner", Version: ""}},
		},
		Settings: []debug.BuildSetting{
			{Key: "-compiler", Value: "gc"},
			{Key: "vcs.revision", Value: "abc123"},
			{Key: "GOOS", Value: "linux"},
		},
	}
	assert.Equal(t, " mod\tgithub.com/go-delve/dexec\t(devel)\t\n"+
		" build\tGOOS=linux\n"+
		" build\tvcs.revision=abc123\n"+
		" dep\tgithub.com/spf13/cobra\tv1.1.3\n"+
		" dep\tgithub.com/go-delve/liner\tv1.2.2\t=> ../liner\t\n",
		formatBuildInfo(info))
}
