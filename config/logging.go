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

package config

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
	"github.com/spf13/viper"
)

// initLogging applies the Logging.* configuration: the level, and an
// optional log file that receives everything printed to stderr.
func initLogging() error {
	level, err := log.ParseLevel(viper.GetString("Logging.Level"))
	if err != nil {
		return errors.Wrapf(err, "invalid Logging.Level %q", viper.GetString("Logging.Level"))
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if logFile := viper.GetString("Logging.File"); logFile != "" {
		fp, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return errors.Wrapf(err, "failed to open log file %s", logFile)
		}
		log.SetOutput(io.Discard)
		for _, w := range []io.Writer{os.Stderr, fp} {
			log.AddHook(&writer.Hook{
				Writer:    w,
				LogLevels: log.AllLevels[:int(level)+1],
			})
		}
	}
	return nil
}
