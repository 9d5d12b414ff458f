// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command mealmail turns tagged emails into rows of a meal log.
package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagConfig string
	flagTrace  bool
)

var rootCmd = &cobra.Command{
	Use:   "mealmail",
	Short: "Log meals sent by email",
	Long: `mealmail reads unread messages whose subject carries the tag token
(FOOD by default), appends the meals they describe to a spreadsheet and
marks them read.

  mealmail auth      Authorize access to Gmail, Sheets and Drive
  mealmail run       Process the mailbox once
  mealmail serve     Process the mailbox every poll interval
  mealmail history   Show recent runs

Settings come from --config and MEALMAIL_* environment variables; a .env
file in the working directory is loaded first.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML settings file")
	rootCmd.PersistentFlags().BoolVarP(&flagTrace, "trace", "T", false, "request debug tracing")

	rootCmd.AddCommand(runCmd, serveCmd, authCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		os.Exit(1)
	}
}
