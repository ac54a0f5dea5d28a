package config

import (
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/units"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Init loads the relaybot configuration: built-in defaults, then an
// optional YAML config file, then RELAYBOT_* environment variables
// (highest precedence).
func Init() error {
	viper.SetDefault("Redis.URL", "redis://localhost:6379/0")
	viper.SetDefault("Redis.ConnectTimeout", 10*time.Second)
	viper.SetDefault("Resolver.Endpoint", "")
	viper.SetDefault("Resolver.Timeout", 20*time.Second)
	viper.SetDefault("Transfer.MaxAttempts", 3)
	viper.SetDefault("Transfer.RetryBackoff", 5*time.Second)
	viper.SetDefault("Transfer.ProgressInterval", 3*time.Second)
	viper.SetDefault("Transfer.MinimumDownloadSpeed", 1024*100)
	viper.SetDefault("Transfer.StoppedTransferTimeout", 100*time.Second)
	viper.SetDefault("Transfer.SlowTransferRampupTime", 100*time.Second)
	viper.SetDefault("Transfer.SlowTransferWindow", 30*time.Second)
	viper.SetDefault("Transfer.ScratchDir", os.TempDir())
	viper.SetDefault("Transfer.MaxRelaySize", "500MB")
	viper.SetDefault("RateLimit.Cooldown", 60*time.Second)
	viper.SetDefault("Bot.Platform", "telegram")
	viper.SetDefault("Bot.PublicChatID", 0)
	viper.SetDefault("Bot.ArchiveChatID", 0)
	viper.SetDefault("Bot.PlayerBaseURL", "")
	viper.SetDefault("Bot.AdminIDs", []string{})
	viper.SetDefault("Logging.Level", "info")
	viper.SetDefault("Logging.File", "")
	viper.SetDefault("Server.Address", "0.0.0.0")
	viper.SetDefault("Server.Port", 8080)
	viper.SetDefault("Transport.DialerTimeout", 10*time.Second)
	viper.SetDefault("Transport.DialerKeepAlive", 30*time.Second)
	viper.SetDefault("Transport.MaxIdleConns", 30)
	viper.SetDefault("Transport.IdleConnTimeout", 90*time.Second)
	viper.SetDefault("Transport.TLSHandshakeTimeout", 15*time.Second)
	viper.SetDefault("Transport.ExpectContinueTimeout", 1*time.Second)
	viper.SetDefault("Transport.ResponseHeaderTimeout", 10*time.Second)

	viper.SetEnvPrefix("RELAYBOT")
	viper.AutomaticEnv()

	viper.SetConfigName("relaybot")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.relaybot")
	viper.AddConfigPath("/etc/relaybot")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// Do not fail if the config file is missing
	}
	if envConfig := os.Getenv("RELAYBOT_CONFIG_FILE"); envConfig != "" {
		fp, err := os.Open(envConfig)
		if err != nil {
			return err
		}
		defer fp.Close()
		if err := viper.ReadConfig(fp); err != nil {
			return err
		}
	}

	return initLogging()
}

// MaxRelaySize returns the configured relay size cap in bytes.  The value
// is given in human form ("500MB", "2GB"); zero means no cap.
func MaxRelaySize() (int64, error) {
	sizeStr := viper.GetString("Transfer.MaxRelaySize")
	if sizeStr == "" || sizeStr == "0" {
		return 0, nil
	}
	size, err := units.ParseStrictBytes(sizeStr)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid Transfer.MaxRelaySize value %q", sizeStr)
	}
	return size, nil
}

// IsAdmin reports whether the user is on the admin allow-list.
func IsAdmin(userID int64) bool {
	for _, admin := range viper.GetStringSlice("Bot.AdminIDs") {
		parsed, err := strconv.ParseInt(admin, 10, 64)
		if err != nil {
			continue
		}
		if parsed == userID {
			return true
		}
	}
	return false
}
