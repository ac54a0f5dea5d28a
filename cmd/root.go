/***************************************************************
 *
 * Copyright (C) 2025, Relaybot Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaybot/relaybot/config"
)

var (
	debugFlag bool

	rootCmd = &cobra.Command{
		Use:   "relaybot",
		Short: "Relay share-link media through a messaging bot",
		Long: `Relaybot resolves third-party share links into direct download
mirrors, relays the media into a messaging platform, and remembers what
it has relayed so repeated links are answered instantly from the
archive.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Init(); err != nil {
				return err
			}
			if debugFlag || viper.GetBool("Debug") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
	}
)

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		log.Errorln("Fatal error occurred at the start of the program:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fetchCmd)
}
