package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lua-debug/luadbg/engine"
	"github.com/lua-debug/luadbg/internal/dbglog"
)

func init() {
	RootCmd.AddCommand(attachCmd)
}

// attachCmd is the entry point local-lua-debugger-vscode's generated
// launcher invokes: it always arms an immediate break, whether or not
// LOCAL_LUA_DEBUGGER_VSCODE is set (run arms one only when it is), so the
// adapter's first stepping command lands on the script's first line, per
// spec §6.
var attachCmd = &cobra.Command{
	Use:   "attach [script]",
	Short: "Run a Lua script under the debugger engine, breaking on the first line",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		dbglog.Verbose = viper.GetBool("verbose")

		opts := engine.Options{
			Output:           os.Stdout,
			Input:            os.Stdin,
			ScriptRoots:      viper.GetString("script-roots"),
			BreakImmediately: true,
		}
		if outFile := viper.GetString("output-file"); outFile != "" {
			f, err := os.Create(outFile)
			if err != nil {
				dbglog.Fatal("could not create output file: %v", err)
			}
			defer f.Close()
			opts.Output = f
		}

		es := engine.Start(opts)
		if err := es.RunFile(args[0], false); err != nil {
			es.Writer.EmitError(err.Error())
			os.Exit(1)
		}
	},
}
