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

// Package resolver turns share links into fetchable mirror URLs by
// calling the external resolver service, and derives the short code a
// link is deduplicated under.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/grafana/regexp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/relaybot/relaybot/config"
	"github.com/relaybot/relaybot/relay"
)

// shareLinkRe matches the share-link shapes we accept: a /s/ or /share/
// path segment followed by the code.
var shareLinkRe = regexp.MustCompile(`https?://\S+?/(?:s|share)/[a-zA-Z0-9_-]+`)

// urlRe is the loose first pass; links carrying the code in a surl query
// parameter do not match shareLinkRe.
var urlRe = regexp.MustCompile(`https?://\S+`)

// ExtractLinks pulls every recognizable share link out of a chat message.
func ExtractLinks(text string) []string {
	var links []string
	for _, candidate := range urlRe.FindAllString(text, -1) {
		if shareLinkRe.MatchString(candidate) {
			links = append(links, shareLinkRe.FindString(candidate))
			continue
		}
		if code, err := ShortCode(candidate); err == nil && code != "" {
			links = append(links, candidate)
		}
	}
	return links
}

// ShortCode derives the deduplication key of a share link: the surl
// query parameter when present, otherwise the code following the /s/ or
// /share/ path segment.
func ShortCode(link string) (string, error) {
	parsed, err := url.Parse(link)
	if err != nil {
		return "", errors.Wrap(err, "unparsable share link")
	}
	if surl := parsed.Query().Get("surl"); surl != "" {
		return surl, nil
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for idx, segment := range segments {
		if (segment == "s" || segment == "share") && idx+1 < len(segments) {
			return segments[idx+1], nil
		}
	}
	return "", errors.Errorf("no short code found in link %s", link)
}

// Client calls the resolver service.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient builds a resolver client from the Resolver.* configuration.
func NewClient() *Client {
	httpClient := &http.Client{
		Transport: config.GetTransport(),
		Timeout:   viper.GetDuration("Resolver.Timeout"),
	}
	return &Client{
		endpoint:   viper.GetString("Resolver.Endpoint"),
		httpClient: httpClient,
	}
}

type resolveResponse struct {
	Status       string `json:"status"`
	DownloadLink struct {
		URL1 string `json:"url_1"`
		URL2 string `json:"url_2"`
		URL3 string `json:"url_3"`
	} `json:"download_link"`
	FileName  string `json:"file_name"`
	SizeBytes int64  `json:"sizebytes"`
	Thumb     string `json:"thumb"`
}

// Resolve posts the share link to the resolver service and builds the
// transfer request from its mirror list.  Every failure comes back as a
// *relay.ResolutionFailure.
func (c *Client) Resolve(ctx context.Context, link string) (*relay.TransferRequest, error) {
	code, err := ShortCode(link)
	if err != nil {
		return nil, &relay.ResolutionFailure{Link: link, Err: err}
	}

	payload, err := json.Marshal(map[string]string{"url": link})
	if err != nil {
		return nil, &relay.ResolutionFailure{Link: link, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &relay.ResolutionFailure{Link: link, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &relay.ResolutionFailure{Link: link, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &relay.ResolutionFailure{
			Link: link,
			Err:  errors.Errorf("resolver returned status %d", resp.StatusCode),
		}
	}

	var body resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &relay.ResolutionFailure{Link: link, Err: errors.Wrap(err, "undecodable resolver response")}
	}
	if body.Status != "success" {
		return nil, &relay.ResolutionFailure{Link: link, Err: errors.Errorf("resolver status %q", body.Status)}
	}

	// url_3 is the preferred mirror and url_1 the only backup worth
	// trying; url_2 is deliberately skipped.
	primary := body.DownloadLink.URL3
	var backups []string
	if body.DownloadLink.URL1 != "" {
		backups = append(backups, body.DownloadLink.URL1)
	}
	if primary == "" && len(backups) > 0 {
		primary, backups = backups[0], backups[1:]
	}
	if primary == "" {
		return nil, &relay.ResolutionFailure{Link: link, Err: errors.New("resolver returned no mirrors")}
	}

	fileName := body.FileName
	if fileName == "" {
		fileName = path.Base(strings.TrimRight(link, "/")) + ".mp4"
	}

	log.WithFields(log.Fields{"code": code, "file": fileName}).Debugln("Resolved share link")
	return &relay.TransferRequest{
		Link:         link,
		ShortCode:    code,
		PrimaryURL:   primary,
		BackupURLs:   backups,
		FileName:     fileName,
		ThumbnailURL: body.Thumb,
		SizeBytes:    body.SizeBytes,
	}, nil
}
