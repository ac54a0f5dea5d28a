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
	"net"
	"net/http"
	"sync"

	"github.com/spf13/viper"
)

var (
	// Our global transport that only gets configured once
	transport *http.Transport

	onceTransport sync.Once

	client     *http.Client
	onceClient sync.Once
)

// GetTransport returns the shared HTTP transport, configuring it on first use.
func GetTransport() *http.Transport {
	onceTransport.Do(func() {
		setupTransport()
	})
	return transport
}

// GetClient returns the shared HTTP client built on top of GetTransport.
func GetClient() *http.Client {
	onceClient.Do(setupClients)
	return client
}

func setupTransport() {
	dialer := net.Dialer{
		Timeout:   viper.GetDuration("Transport.DialerTimeout"),
		KeepAlive: viper.GetDuration("Transport.DialerKeepAlive"),
	}

	transport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          viper.GetInt("Transport.MaxIdleConns"),
		IdleConnTimeout:       viper.GetDuration("Transport.IdleConnTimeout"),
		TLSHandshakeTimeout:   viper.GetDuration("Transport.TLSHandshakeTimeout"),
		ExpectContinueTimeout: viper.GetDuration("Transport.ExpectContinueTimeout"),
		ResponseHeaderTimeout: viper.GetDuration("Transport.ResponseHeaderTimeout"),
	}
}

func setupClients() {
	client = &http.Client{Transport: GetTransport()}
}
