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

// Package relay implements the transfer engine: it moves the media a
// resolved share link points at into the messaging platform, retrying
// across mirrors and delivery strategies, reporting progress, and
// honoring user cancellation.
package relay

// TransferRequest describes one resolved share link.  It is immutable
// once built; retries and mirror switching never mutate it.
type TransferRequest struct {
	// Link is the original share link as the user sent it.
	Link string

	// ShortCode is the deduplication key derived from Link.
	ShortCode string

	// PrimaryURL is the preferred mirror; BackupURLs are tried in order
	// after it fails.
	PrimaryURL string
	BackupURLs []string

	FileName     string
	ThumbnailURL string

	// SizeBytes is the size advertised by the resolver, or 0 if unknown.
	SizeBytes int64
}

// Mirrors returns the mirror URLs in the order the engine tries them.
func (r *TransferRequest) Mirrors() []string {
	mirrors := make([]string, 0, 1+len(r.BackupURLs))
	if r.PrimaryURL != "" {
		mirrors = append(mirrors, r.PrimaryURL)
	}
	mirrors = append(mirrors, r.BackupURLs...)
	return mirrors
}
