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

package relay

import (
	"context"
	"syscall"
	"time"

	"github.com/cavaliercoder/grab"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/relaybot/relaybot/config"
)

// ConnectionSetupError is returned when the mirror connection could not
// be established at all.
type ConnectionSetupError struct {
	URL string
	Err error
}

func (e *ConnectionSetupError) Error() string {
	if e.Err != nil {
		return "failed connection setup: " + e.Err.Error()
	}
	return "failed connection setup to " + e.URL
}

func (e *ConnectionSetupError) Unwrap() error {
	return e.Err
}

func (e *ConnectionSetupError) Is(target error) bool {
	_, ok := target.(*ConnectionSetupError)
	return ok
}

// downloadToScratch fetches url into dest, watching the transfer speed.
// A transfer that makes no progress for Transfer.StoppedTransferTimeout,
// or that stays below Transfer.MinimumDownloadSpeed for a full
// Transfer.SlowTransferWindow after the ramp-up period, is cancelled.
// Returns the byte count on success.
func downloadToScratch(ctx context.Context, url, dest string, reporter *progressReporter) (int64, error) {
	client := grab.NewClient()
	client.HTTPClient.Transport = config.GetTransport()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Debugln("Transfer URL String:", url)
	req, err := grab.NewRequest(dest, url)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create download request")
	}
	req = req.WithContext(ctx)

	// Test the transfer speed every 5 seconds
	speedTicker := time.NewTicker(5 * time.Second)
	defer speedTicker.Stop()

	progressTicker := time.NewTicker(500 * time.Millisecond)
	defer progressTicker.Stop()

	downloadLimit := viper.GetInt64("Transfer.MinimumDownloadSpeed")
	rampupTime := viper.GetDuration("Transfer.SlowTransferRampupTime")
	slowWindow := viper.GetDuration("Transfer.SlowTransferWindow")
	stoppedTimeout := viper.GetDuration("Transfer.StoppedTransferTimeout")

	log.Debugln("Starting the HTTP transfer...")
	resp := client.Do(req)
	if resp.IsComplete() {
		if err := resp.Err(); err != nil {
			log.Errorln("Failed to download:", err)
			return 0, &ConnectionSetupError{URL: url, Err: err}
		}
	}

	var startBelowLimit time.Time
	lastProgressBytes := int64(0)
	lastProgressTime := time.Now()

Loop:
	for {
		select {
		case <-progressTicker.C:
			reporter.report(resp.BytesComplete(), resp.Size, PhaseDownload)

		case <-speedTicker.C:
			// A transfer that moved no bytes at all is stopped, not slow
			if current := resp.BytesComplete(); current > lastProgressBytes {
				lastProgressBytes = current
				lastProgressTime = time.Now()
			} else if time.Since(lastProgressTime) > stoppedTimeout {
				cancel()
				<-resp.Done
				return 0, &StoppedTransferError{BytesTransferred: resp.BytesComplete()}
			}

			if resp.BytesPerSecond() >= float64(downloadLimit) {
				startBelowLimit = time.Time{}
				continue
			}
			// Give the transfer the ramp-up period to get up to speed
			if resp.Duration() < rampupTime {
				continue
			}
			if startBelowLimit.IsZero() {
				log.Warnln("Download speed of", resp.BytesPerSecond(), "bytes/s is below the limit of", downloadLimit, "bytes/s")
				startBelowLimit = time.Now()
				continue
			}
			if time.Since(startBelowLimit) < slowWindow {
				continue
			}
			// Below the limit for the full window; give up on this mirror
			cancel()
			<-resp.Done
			return 0, &SlowTransferError{
				BytesTransferred: resp.BytesComplete(),
				BytesPerSecond:   int64(resp.BytesPerSecond()),
				Duration:         resp.Duration(),
				BytesTotal:       resp.Size,
			}

		case <-resp.Done:
			break Loop
		}
	}

	if err := resp.Err(); err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) ||
			errors.Is(err, syscall.ECONNRESET) ||
			errors.Is(err, syscall.ECONNABORTED) {
			return 0, &ConnectionSetupError{URL: url, Err: err}
		}
		log.Debugln("Got error from HTTP download", err)
		return 0, err
	}
	// 206 occurs if the download was resumed after a prior attempt
	if code := resp.HTTPResponse.StatusCode; code != 200 && code != 206 {
		log.Debugln("Got failure status code:", code)
		return 0, &StatusCodeError{Code: code, URL: url}
	}

	reporter.report(resp.BytesComplete(), resp.Size, PhaseDownload)
	log.Debugln("HTTP Transfer was successful")
	return resp.BytesComplete(), nil
}
