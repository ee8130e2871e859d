package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	RoleClient = "client"
	RoleServer = "server"
)

type Config struct {
	Role   string `mapstructure:"role"`
	Server ServerConfig
	Client ClientConfig
	ILP    ILPConfig `mapstructure:"ilp"`
	BTP    BTPConfig `mapstructure:"btp"`
	Settle SettleConfig
	Lnd    LndConfig
	Redis  RedisConfig
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Secret     string `mapstructure:"secret"`
}

type ClientConfig struct {
	BTPURL      string `mapstructure:"btp_url"`
	BTPToken    string `mapstructure:"btp_token"`
	BTPUsername string `mapstructure:"btp_username"`
	PeerName    string `mapstructure:"peer_name"`
}

type ILPConfig struct {
	Address       string `mapstructure:"address"`
	MaxBalance    string `mapstructure:"max_balance"`
	MaxPacketSize int64  `mapstructure:"max_packet_size"`
}

type BTPConfig struct {
	CallTimeoutSec int64 `mapstructure:"call_timeout_sec"`
}

type SettleConfig struct {
	Threshold   string `mapstructure:"threshold"`
	IntervalSec int64  `mapstructure:"interval_sec"`
}

type LndConfig struct {
	Host              string `mapstructure:"host"`
	TLSCertPath       string `mapstructure:"tls_cert_path"`
	MacaroonPath      string `mapstructure:"macaroon_path"`
	Network           string `mapstructure:"network"`
	ConnectTimeoutSec int64  `mapstructure:"connect_timeout_sec"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.listen_addr", ":7768")
	v.SetDefault("client.peer_name", "parent")
	v.SetDefault("ilp.address", "test.lnplugin")
	v.SetDefault("ilp.max_balance", "1000000")
	v.SetDefault("ilp.max_packet_size", 32768)
	v.SetDefault("btp.call_timeout_sec", 30)
	v.SetDefault("settle.threshold", "10000")
	v.SetDefault("settle.interval_sec", 60)
	v.SetDefault("lnd.network", "mainnet")
	v.SetDefault("lnd.connect_timeout_sec", 15)
	v.SetDefault("redis.addr", "redis:6379")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// An explicitly empty MAX_BALANCE must override the default and mean
	// unbounded, so empty env values count as set.
	v.AllowEmptyEnv(true)

	// Explicit env bindings
	bindings := map[string]string{
		"role":                    "ROLE",
		"server.listen_addr":      "LISTEN_ADDR",
		"server.secret":           "SERVER_SECRET",
		"client.btp_url":          "BTP_URL",
		"client.btp_token":        "BTP_TOKEN",
		"client.btp_username":     "BTP_USERNAME",
		"client.peer_name":        "PEER_NAME",
		"ilp.address":             "ILP_ADDRESS",
		"ilp.max_balance":         "MAX_BALANCE",
		"ilp.max_packet_size":     "MAX_PACKET_SIZE",
		"btp.call_timeout_sec":    "CALL_TIMEOUT_SEC",
		"settle.threshold":        "SETTLE_THRESHOLD",
		"settle.interval_sec":     "SETTLE_INTERVAL_SEC",
		"lnd.host":                "LND_HOST",
		"lnd.tls_cert_path":       "LND_TLS_CERT_PATH",
		"lnd.macaroon_path":       "LND_MACAROON_PATH",
		"lnd.network":             "LND_NETWORK",
		"lnd.connect_timeout_sec": "LND_CONNECT_TIMEOUT_SEC",
		"redis.addr":              "REDIS_ADDR",
		"redis.password":          "REDIS_PASSWORD",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	required := []req{
		{c.Role, "ROLE"},
		{c.Lnd.Host, "LND_HOST"},
		{c.Lnd.TLSCertPath, "LND_TLS_CERT_PATH"},
		{c.Lnd.MacaroonPath, "LND_MACAROON_PATH"},
	}
	switch c.Role {
	case RoleClient:
		required = append(required,
			req{c.Client.BTPURL, "BTP_URL"},
			req{c.Client.BTPToken, "BTP_TOKEN"},
			req{c.Client.BTPUsername, "BTP_USERNAME"},
		)
	case RoleServer:
		required = append(required, req{c.Server.Secret, "SERVER_SECRET"})
	case "":
		// caught by the loop below
	default:
		return fmt.Errorf("invalid ROLE %q: must be %q or %q", c.Role, RoleClient, RoleServer)
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	switch c.Lnd.Network {
	case "mainnet", "testnet", "regtest", "simnet":
	default:
		return fmt.Errorf("invalid LND_NETWORK %q: must be mainnet, testnet, regtest or simnet", c.Lnd.Network)
	}
	return nil
}
