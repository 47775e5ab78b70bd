package config

import (
	golog "log"
	"io/ioutil"
	"os"
	path "path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gitrepublic/gitd/pkgs/logger"
	"github.com/gitrepublic/gitd/util"
	"github.com/mitchellh/go-homedir"
	"github.com/olebedev/emitter"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

var (
	// AppName is the name of the application
	AppName = "gitd"

	// DefaultDataDir is the path to the data directory
	DefaultDataDir = getDefaultDataDir()

	// DefaultDevDataDir is the path to the data directory in development mode
	DefaultDevDataDir = DefaultDataDir + "_dev"

	// AppEnvPrefix is used as the prefix for environment variables
	AppEnvPrefix = strings.ToUpper(AppName)

	// DefaultRemoteAddress is the default gateway listening address
	DefaultRemoteAddress = "127.0.0.1:7740"

	// DefaultRepoRoot is where owner namespaces live unless overridden
	DefaultRepoRoot = "/repos"

	// DefaultRelays are queried when an owner declares no relay list
	DefaultRelays = []string{
		"wss://relay.damus.io",
		"wss://nos.lol",
		"wss://relay.nostr.band",
	}
)

func getDefaultDataDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return os.ExpandEnv("$HOME/." + AppName)
	}
	return path.Join(home, "."+AppName)
}

// setDefaultViperConfig sets default viper config values.
func setDefaultViperConfig() {
	viper.SetDefault("node.gitpath", "git")
	viper.SetDefault("remote.address", DefaultRemoteAddress)
	viper.SetDefault("remote.scheme", "https")
	viper.SetDefault("repo.root", DefaultRepoRoot)
	viper.SetDefault("relay.relays", DefaultRelays)
}

// bindSpecEnvVars aliases the externally-specified environment variable
// names onto their config keys. These predate the GITD_* scheme and are
// kept for compatibility with deployments of the original service.
func bindSpecEnvVars() {
	viper.BindEnv("repo.root", "GIT_REPO_ROOT")
	viper.BindEnv("remote.domain", "GIT_DOMAIN")
	viper.BindEnv("tor.enabled", "TOR_ENABLED")
	viper.BindEnv("tor.onionaddress", "TOR_ONION_ADDRESS")
	viper.BindEnv("tor.hostnamefile", "TOR_HOSTNAME_FILE")
	viper.BindEnv("ssh.attestsecret", "SSH_ATTESTATION_LOOKUP_SECRET")
	viper.BindEnv("repo.maxperuser", "MAX_REPOS_PER_USER")
	viper.BindEnv("repo.maxdiskquota", "MAX_DISK_QUOTA_PER_USER")
}

// Configure sets up the application configuration from flags, config file
// and environment. This is where all configuration and settings are prepared.
func Configure(cfg *AppConfig, itr *util.Interrupt) {

	// Populate viper from environment variables
	viper.SetEnvPrefix(AppEnvPrefix)
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
	bindSpecEnvVars()

	// Create app config and populate with default values
	var c = EmptyAppConfig()
	c.Node.Mode = ModeProd
	c.g.Interrupt = itr
	dataDir := viper.GetString("home")
	devMode := viper.GetBool("dev")

	if dataDir == "" {
		dataDir = DefaultDataDir
	}

	// In development mode, use the development data directory
	if devMode {
		dataDir = DefaultDevDataDir
		c.Node.Mode = ModeDev
	}

	// Create the data directory tree
	os.MkdirAll(dataDir, 0700)

	// Set viper configuration
	setDefaultViperConfig()
	viper.SetConfigName(AppName)
	viper.AddConfigPath(dataDir)
	viper.AddConfigPath(".")

	// Create the config file if it does not exist
	if err := viper.ReadInConfig(); err != nil {
		if strings.Contains(err.Error(), "Not Found") {
			viper.SetConfigType("yaml")
			if err = viper.WriteConfigAs(path.Join(dataDir, AppName+".yml")); err != nil {
				golog.Fatalf("Failed to create config file: %s", err)
			}
		} else {
			golog.Fatalf("Failed to read config file: %s", err)
		}
	}

	// Read the loaded config into AppConfig
	if err := viper.Unmarshal(&c); err != nil {
		golog.Fatalf("Failed to unmarshal configuration file: %s", err)
	}

	// The disk quota accepts humanized values (e.g. "10GB")
	if quota := viper.GetString("repo.maxdiskquota"); quota != "" {
		if n, err := humanize.ParseBytes(quota); err == nil {
			c.Repo.MaxDiskQuotaPerUser = int64(n)
		} else {
			c.Repo.MaxDiskQuotaPerUser = cast.ToInt64(quota)
		}
	}

	// Set data directories
	c.dataDir = dataDir
	c.cacheDir = path.Join(dataDir, "eventcache")
	c.logDir = path.Join(dataDir, "logs")
	os.MkdirAll(c.cacheDir, 0700)
	os.MkdirAll(c.logDir, 0700)
	os.MkdirAll(c.Repo.Root, 0700)

	// Resolve the onion address from the hostname file when not set directly
	if c.Tor.Enabled && c.Tor.OnionAddress == "" && c.Tor.HostnameFile != "" {
		if bz, err := ioutil.ReadFile(c.Tor.HostnameFile); err == nil {
			c.Tor.OnionAddress = strings.TrimSpace(string(bz))
		}
	}

	// Create logger with file rotation enabled
	logFile := path.Join(c.GetLogDir(), "main.log")
	c.g.Log = logger.NewLogrusWithFileRotation(logFile)

	if devMode {
		c.g.Log.SetToDebug()
	}

	// If no logging is wanted, raise the level to error
	if viper.GetBool("no-log") {
		c.g.Log.SetToError()
	}

	// Set default version information
	c.VersionInfo = &VersionInfo{}
	c.VersionInfo.BuildCommit = BuildCommit
	c.VersionInfo.BuildDate = BuildDate
	c.VersionInfo.GoVersion = GoVersion
	c.VersionInfo.BuildVersion = BuildVersion

	c.g.Bus = emitter.New(64)
	*cfg = *c
}
