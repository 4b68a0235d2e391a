package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DBCredential struct
type DBCredential struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
}

func (c *DBCredential) Dsn() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s",
		c.Address, c.Port, c.User, c.Password, c.Database)
}

// GetRedisAddress returns host:port of the redis server.
func (c *DBCredential) GetRedisAddress() string {
	return fmt.Sprintf("%v:%v", c.Address, c.Port)
}

// Configuration struct
type Configuration struct {
	LogLevel         string       `yaml:"log_level"`
	DiscordBot       DiscordBot   `yaml:"discord_bot"`
	Chains           []Chain      `yaml:"chains"`
	DefaultChainID   int64        `yaml:"default_chain_id"`
	Pairing          Pairing      `yaml:"pairing"`
	Relay            Relay        `yaml:"relay"`
	Roles            Roles        `yaml:"roles"`
	Storage          Storage      `yaml:"storage"`
	Postgres         DBCredential `yaml:"postgres"`
	RedisCredential  DBCredential `yaml:"redis"`
	RateLimit        RateLimit    `yaml:"rate_limit"`
	HTTP             HTTP         `yaml:"http"`
	AwsS3            aws          `yaml:"aws"`
	KafkaServer      string       `yaml:"kafka-server"`
	KafkaTopic       string       `yaml:"kafka-topic"`
	SentryDSN        string       `yaml:"sentry_dsn"`
	LarkAlarmWebhook string       `yaml:"lark_alarm_webhook"`
}

type DiscordBot struct {
	AppID     string `yaml:"app_id"`
	AuthToken string `yaml:"auth_token"`
	// ConnectURL is the page the connect link points to.
	ConnectURL string `yaml:"connect_url"`
	// MobileConnectURL is the metamask deep link prefix for phones.
	MobileConnectURL string `yaml:"mobile_connect_url"`
}

// Chain describes one supported network. Addresses are hex with 0x prefix.
type Chain struct {
	ID                  int64  `yaml:"id"`
	Name                string `yaml:"name"`
	RPCURL              string `yaml:"rpc_url"`
	TokenAddress        string `yaml:"token_address"`
	VaultFactoryAddress string `yaml:"vault_factory_address"`
	Decimals            int    `yaml:"decimals"`
	Symbol              string `yaml:"symbol"`
}

type Pairing struct {
	TokenTTL   time.Duration `yaml:"token_ttl"`
	TokenBytes int           `yaml:"token_bytes"`
}

type Relay struct {
	// RequestTTL fails requests that got no outcome in time. Zero disables it.
	RequestTTL time.Duration `yaml:"request_ttl"`
}

type Roles struct {
	Concurrency int `yaml:"concurrency"`
	// PlatformRPS paces role mutations against the chat platform.
	PlatformRPS int `yaml:"platform_rps"`
}

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

type Storage struct {
	Driver string `yaml:"driver"`
}

type RateLimit struct {
	ConnectPerMinute int `yaml:"connect_per_minute"`
}

type HTTP struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`

	// AllowedOrigins limits which pages may open the bridge. Empty allows any.
	AllowedOrigins []string      `yaml:"allowed_origins"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// AllowOrigin reports whether a bridge connection from origin is accepted.
func (in HTTP) AllowOrigin(origin string) bool {
	if len(in.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range in.AllowedOrigins {
		if strings.EqualFold(strings.TrimRight(o, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}

type aws struct {
	Bucket awsBucket `yaml:"bucket"`
}

type awsBucket struct {
	Name   string `yaml:"name"`
	Region string `yaml:"region"`
}

func (in aws) Enabled() bool {
	return in.Bucket.Name != "" && in.Bucket.Region != ""
}

// FindChain returns the configured chain with the given id.
func (c *Configuration) FindChain(id int64) (Chain, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}
	return Chain{}, false
}

func (c *Configuration) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.Chains) == 0 {
		c.Chains = DefaultChains()
	}
	for i := range c.Chains {
		if c.Chains[i].Decimals == 0 {
			c.Chains[i].Decimals = 18
		}
		if c.Chains[i].Symbol == "" {
			c.Chains[i].Symbol = "KIRO"
		}
	}
	if c.DefaultChainID == 0 {
		c.DefaultChainID = c.Chains[0].ID
	}
	if c.Pairing.TokenTTL <= 0 {
		c.Pairing.TokenTTL = 60 * time.Second
	}
	if c.Pairing.TokenBytes < 48 {
		c.Pairing.TokenBytes = 48
	}
	if c.Roles.Concurrency <= 0 {
		c.Roles.Concurrency = 4
	}
	if c.Roles.PlatformRPS <= 0 {
		c.Roles.PlatformRPS = 5
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = "moff-vault"
	}
}

func (c *Configuration) validate() error {
	if _, ok := c.FindChain(c.DefaultChainID); !ok {
		return fmt.Errorf("default_chain_id %d is not in chains", c.DefaultChainID)
	}
	switch c.Storage.Driver {
	case StorageMemory, StoragePostgres, StorageRedis:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Relay.RequestTTL < 0 {
		return fmt.Errorf("relay.request_ttl must not be negative")
	}
	return nil
}

// DefaultChains are the kiro token deployments on mainnet and rinkeby.
func DefaultChains() []Chain {
	return []Chain{
		{
			ID:                  1,
			Name:                "Mainnet",
			TokenAddress:        "0xB1191F691A355b43542Bea9B8847bc73e7Abb137",
			VaultFactoryAddress: "0xa82a423671379fD93f78eA4A37ABA73C019C6D3C",
			Decimals:            18,
			Symbol:              "KIRO",
		},
		{
			ID:                  4,
			Name:                "Rinkeby",
			TokenAddress:        "0xb678e95f83af08e7598ec21533f7585e83272799",
			VaultFactoryAddress: "0xba232b47a7dDFCCc221916cf08Da03a4973D3A1D",
			Decimals:            18,
			Symbol:              "KIRO",
		},
	}
}

// Parse decodes yaml configuration and fills in defaults.
func Parse(data []byte) (*Configuration, error) {
	t := Configuration{}
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return nil, fmt.Errorf("fail to decode config: %v", err)
	}
	t.applyDefaults()
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Configuration, error) {
	logrus.Info("Starting to load configuration file ...")
	dat, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %s does not exist", path)
		}
		return nil, err
	}
	return Parse(dat)
}

var Global *Configuration

// Read reads configuration information from yml.
func Read() {
	configFilePath := flag.String("config-path", "internal/config/config.yml", "The path to the configuration file")
	flag.Parse()
	logrus.Infof("Loading configuration file from %s", *configFilePath)
	globalConfig, err := Load(*configFilePath)
	if err != nil {
		logrus.Fatal(err)
	}
	Global = globalConfig
}
