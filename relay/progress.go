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
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Phase says which half of a relay a progress update belongs to.
type Phase int

const (
	PhaseDownload Phase = iota
	PhaseUpload
)

func (p Phase) String() string {
	if p == PhaseUpload {
		return "Uploading"
	}
	return "Downloading"
}

// ProgressFunc receives throttled progress updates.  total is <= 0 when
// the mirror did not advertise a size.
type ProgressFunc func(session *TransferSession, text string)

const progressBarSlots = 20

// progressReporter turns raw byte counts into rendered status text,
// dropping updates that arrive faster than the configured interval so
// the messaging platform is not flooded with edits.  The first update of
// a session always passes.
type progressReporter struct {
	session  *TransferSession
	callback ProgressFunc
	limiter  *rate.Limiter
	started  time.Time
}

func newProgressReporter(session *TransferSession, callback ProgressFunc, interval time.Duration) *progressReporter {
	return &progressReporter{
		session:  session,
		callback: callback,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		started:  time.Now(),
	}
}

// report records the byte counts on the session and, if the throttle
// allows, renders and delivers an update.  The displayed percentage never
// decreases within a session even when a retry restarts from zero.
func (r *progressReporter) report(transferred, total int64, phase Phase) {
	r.session.recordProgress(transferred, total)
	if r.callback == nil || !r.limiter.Allow() {
		return
	}

	percent := int64(-1)
	if total > 0 {
		percent = transferred * 100 / total
		if prev := r.session.lastPercent.Load(); percent < prev {
			percent = prev
		} else {
			r.session.lastPercent.Store(percent)
		}
	}
	r.callback(r.session, renderProgress(transferred, total, percent, time.Since(r.started), phase))
}

// renderProgress formats one status line: a fixed-width bar, percentage,
// speed, ETA and sizes.  With an unknown total the bar is indeterminate
// and percentage/ETA are omitted.
func renderProgress(transferred, total, percent int64, elapsed time.Duration, phase Phase) string {
	speed := int64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		speed = int64(float64(transferred) / secs)
	}

	if total <= 0 || percent < 0 {
		return fmt.Sprintf("%s...\n[%s]\n%s at %s/s",
			phase, strings.Repeat("░", progressBarSlots),
			byteCountSI(transferred), byteCountSI(speed))
	}

	filled := int(percent) * progressBarSlots / 100
	if filled > progressBarSlots {
		filled = progressBarSlots
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", progressBarSlots-filled)

	eta := "-"
	if speed > 0 && total > transferred {
		eta = (time.Duration((total-transferred)/speed) * time.Second).String()
	}

	return fmt.Sprintf("%s... %d%%\n[%s]\n%s of %s at %s/s, ETA %s",
		phase, percent, bar,
		byteCountSI(transferred), byteCountSI(total), byteCountSI(speed), eta)
}

func byteCountSI(b int64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "kMGTPE"[exp])
}
