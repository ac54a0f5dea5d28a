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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransfersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybot_transfers_started_total",
		Help: "Count of transfer sessions started",
	})

	TransfersCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_transfers_completed_total",
		Help: "Count of transfer sessions reaching a terminal state, by outcome",
	}, []string{"outcome"})

	TransferAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_transfer_attempts_total",
		Help: "Count of individual transfer attempts, by strategy",
	}, []string{"strategy"})

	ActiveTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaybot_active_transfers",
		Help: "Number of transfer sessions currently in flight",
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_cache_lookups_total",
		Help: "Count of dedup cache lookups, by result",
	}, []string{"result"})

	CacheReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybot_cache_replays_total",
		Help: "Count of requests served by forwarding an archived copy",
	})

	RateLimitDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybot_ratelimit_denials_total",
		Help: "Count of requests denied by the per-user cooldown",
	})

	BytesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybot_bytes_relayed_total",
		Help: "Total bytes moved through the relay on successful transfers",
	})
)
