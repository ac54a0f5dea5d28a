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
	"fmt"
	"path/filepath"
	"time"

	"github.com/cavaliercoder/grab"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/relaybot/relaybot/config"
	"github.com/relaybot/relaybot/resolver"
)

// fetch is a debugging aid: it runs the resolver against a share link
// and downloads the media to the local disk, without touching the bot,
// the dedup cache, or the rate limiter.
var fetchCmd = &cobra.Command{
	Use:   "fetch <share-link>",
	Short: "Resolve a share link and download the media locally",
	Args:  cobra.ExactArgs(1),
	RunE:  fetchMain,
}

var fetchOutputDir string

func init() {
	fetchCmd.Flags().StringVarP(&fetchOutputDir, "output", "o", ".", "Directory to download into")
}

func fetchMain(cmd *cobra.Command, args []string) error {
	req, err := resolver.NewClient().Resolve(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	log.Infoln("Resolved", req.ShortCode, "to", len(req.Mirrors()), "mirror(s)")

	dest := filepath.Join(fetchOutputDir, req.FileName)
	var lastErr error
	for _, mirror := range req.Mirrors() {
		if lastErr != nil {
			log.Warnln("Mirror failed, trying the next one:", lastErr)
		}
		if lastErr = fetchMirror(cmd, mirror, dest); lastErr == nil {
			fmt.Println("Downloaded to", dest)
			return nil
		}
	}
	return errors.Wrap(lastErr, "all mirrors failed")
}

func fetchMirror(cmd *cobra.Command, url, dest string) error {
	client := grab.NewClient()
	client.HTTPClient = config.GetClient()

	req, err := grab.NewRequest(dest, url)
	if err != nil {
		return err
	}
	req = req.WithContext(cmd.Context())
	resp := client.Do(req)
	if resp.IsComplete() {
		if err := resp.Err(); err != nil {
			return err
		}
	}

	progressCtr := mpb.New()
	bar := progressCtr.AddBar(0,
		mpb.PrependDecorators(
			decor.Name(filepath.Base(dest), decor.WCSyncSpaceR),
			decor.CountersKibiByte("% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.EwmaETA(decor.ET_STYLE_GO, 90),
			decor.Name(" ] "),
			decor.EwmaSpeed(decor.UnitKiB, "% .2f", 20),
		),
	)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var previousCompleted int64
	previousTime := time.Now()
Loop:
	for {
		select {
		case <-ticker.C:
			bar.SetTotal(resp.Size, false)
			current := resp.BytesComplete()
			bar.IncrInt64(current - previousCompleted)
			previousCompleted = current
			now := time.Now()
			bar.DecoratorEwmaUpdate(now.Sub(previousTime))
			previousTime = now
		case <-resp.Done:
			bar.SetTotal(resp.Size, true)
			break Loop
		}
	}
	progressCtr.Wait()

	return resp.Err()
}
