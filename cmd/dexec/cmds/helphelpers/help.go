package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// The session flags live on the root command so that they can appear before
// or after the subcommand, but not all of them apply to every subcommand.
//
// For example:
//
//	dexec --disable-aslr attach 1234
//
// must parse successfully even though the disable-aslr flag is ignored by
// attach.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "dexec", "help", "version", "log", "backend":
		hideAllFlags(cmd)
	case "attach":
		hideFlag(cmd, "disable-aslr")
		hideFlag(cmd, "new-console")
		hideFlag(cmd, "wd")
	case "demo":
		hideFlag(cmd, "backend")
		hideFlag(cmd, "disable-aslr")
		hideFlag(cmd, "new-console")
		hideFlag(cmd, "wd")
	case "exec":
		// All flags apply
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
