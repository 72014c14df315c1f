// Copyright © 2016 Sidharth Kshatriya
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "luadbg",
	Short: "luadbg is an in-process source-level debugger for embedded Lua.",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(); it only needs to happen
// once to RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().BoolP("verbose", "v", false, "print engine diagnostics to stderr")
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.luadbg.yaml)")
	RootCmd.PersistentFlags().Bool("vscode", false, "act as the local-lua-debugger-vscode adapter's debuggee")
	RootCmd.PersistentFlags().String("output-file", "", "file the protocol stream is written to instead of stdout")
	RootCmd.PersistentFlags().String("script-roots", "", "semicolon-separated directories to search for sidecar .map files")
}

// initConfig reads in config file and ENV variables if set, per spec §6's
// three environment variables, mirroring the teacher's
// record-port/server-port/etc binding (cmd/root.go's original initConfig).
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	viper.SetConfigName(".luadbg")
	viper.AddConfigPath("$HOME")
	viper.AutomaticEnv()
	viper.SetConfigType("yaml")

	viper.BindPFlag("verbose", RootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("vscode", RootCmd.PersistentFlags().Lookup("vscode"))
	viper.BindPFlag("output-file", RootCmd.PersistentFlags().Lookup("output-file"))
	viper.BindPFlag("script-roots", RootCmd.PersistentFlags().Lookup("script-roots"))

	viper.BindEnv("vscode", "LOCAL_LUA_DEBUGGER_VSCODE")
	viper.BindEnv("output-file", "LOCAL_LUA_DEBUGGER_OUTPUT_FILE")
	viper.BindEnv("script-roots", "LOCAL_LUA_DEBUGGER_SCRIPT_ROOTS")

	viper.SetDefault("output-file", "")
	viper.SetDefault("script-roots", "")

	if err := viper.ReadInConfig(); err == nil {
		color.Yellow("luadbg: using config file: %v", viper.ConfigFileUsed())
	}
}
