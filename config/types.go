package config

import (
	"path/filepath"

	"github.com/gitrepublic/gitd/pkgs/logger"
)

const (
	// ModeProd refers to production mode
	ModeProd = iota + 1
	// ModeDev refers to development mode
	ModeDev
	// ModeTest refers to test mode
	ModeTest
)

// NodeConfig represents the node's general configuration
type NodeConfig struct {

	// Mode determines the current environment type
	Mode int `json:"mode" mapstructure:"mode"`

	// GitBinPath is the path to the git executable
	GitBinPath string `json:"gitpath" mapstructure:"gitpath"`
}

// RemoteConfig describes the gateway's HTTP-facing configuration
type RemoteConfig struct {

	// Address is the gateway's listening address
	Address string `json:"address" mapstructure:"address"`

	// Domain is the public domain the gateway is served under.
	// Used to reconstruct the URL a NIP-98 event must commit to
	// and to recognize local clone URLs during mirror fan-out.
	Domain string `json:"domain" mapstructure:"domain"`

	// Scheme is the public scheme (https unless told otherwise)
	Scheme string `json:"scheme" mapstructure:"scheme"`

	// Name is a human-readable instance name
	Name string `json:"name" mapstructure:"name"`
}

// RepoConfig describes repository storage configuration
type RepoConfig struct {

	// Root is the directory under which all owner namespaces live
	Root string `json:"root" mapstructure:"root"`

	// MaxPerUser caps how many repositories one pubkey may own here
	MaxPerUser int `json:"maxperuser" mapstructure:"maxperuser"`

	// MaxDiskQuotaPerUser caps the bytes one pubkey's namespace may hold
	MaxDiskQuotaPerUser int64 `json:"maxdiskquota" mapstructure:"maxdiskquota"`
}

// RelayConfig describes the Nostr relay set and cache behavior
type RelayConfig struct {

	// Relays are the default relays queried for policy events
	Relays []string `json:"relays" mapstructure:"relays"`
}

// TorConfig describes the optional onion-service identity
type TorConfig struct {

	// Enabled turns on onion address handling
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// OnionAddress is the gateway's onion hostname
	OnionAddress string `json:"onionaddress" mapstructure:"onionaddress"`

	// HostnameFile is read for the onion hostname when OnionAddress is unset
	HostnameFile string `json:"hostnamefile" mapstructure:"hostnamefile"`
}

// SSHConfig carries settings for the external SSH-key attestation registry
type SSHConfig struct {

	// AttestationLookupSecret authenticates lookups against the registry
	AttestationLookupSecret string `json:"attestsecret" mapstructure:"attestsecret"`
}

// VersionInfo describes the client's components and runtime version information
type VersionInfo struct {
	BuildVersion string `json:"buildVersion" mapstructure:"buildVersion"`
	BuildCommit  string `json:"buildCommit" mapstructure:"buildCommit"`
	BuildDate    string `json:"buildDate" mapstructure:"buildDate"`
	GoVersion    string `json:"goVersion" mapstructure:"goVersion"`
}

// AppConfig represents the application's configuration
type AppConfig struct {

	// Node holds the node configurations
	Node *NodeConfig `json:"node" mapstructure:"node"`

	// Remote holds the gateway configurations
	Remote *RemoteConfig `json:"remote" mapstructure:"remote"`

	// Repo holds repository storage configurations
	Repo *RepoConfig `json:"repo" mapstructure:"repo"`

	// Relay holds relay client configurations
	Relay *RelayConfig `json:"relay" mapstructure:"relay"`

	// Tor holds onion-service configurations
	Tor *TorConfig `json:"tor" mapstructure:"tor"`

	// SSH holds attestation registry configurations
	SSH *SSHConfig `json:"ssh" mapstructure:"ssh"`

	// dataDir is where the application's config and state are stored
	dataDir string

	// cacheDir is where the persistent event cache lives
	cacheDir string

	// logDir is where log files are written
	logDir string

	// VersionInfo holds version information
	VersionInfo *VersionInfo `json:"-" mapstructure:"-"`

	// g stores references to global objects that can be
	// used anywhere a config is required.
	g *Globals
}

// EmptyAppConfig returns an empty config object
func EmptyAppConfig() *AppConfig {
	return &AppConfig{
		Node:        &NodeConfig{},
		Remote:      &RemoteConfig{},
		Repo:        &RepoConfig{},
		Relay:       &RelayConfig{},
		Tor:         &TorConfig{},
		SSH:         &SSHConfig{},
		VersionInfo: &VersionInfo{},
		g: &Globals{
			Log: logger.NewLogrus(nil),
		},
	}
}

// GetAppName returns the app's name
func (c *AppConfig) GetAppName() string {
	return AppName
}

// DataDir returns the application's data directory
func (c *AppConfig) DataDir() string {
	return c.dataDir
}

// SetDataDir sets the application's data directory
func (c *AppConfig) SetDataDir(d string) {
	c.dataDir = d
}

// GetRepoRoot returns the repository root directory
func (c *AppConfig) GetRepoRoot() string {
	return c.Repo.Root
}

// SetRepoRoot sets the repository root directory
func (c *AppConfig) SetRepoRoot(dir string) {
	c.Repo.Root = dir
}

// GetEventCacheDir returns the persistent event cache directory
func (c *AppConfig) GetEventCacheDir() string {
	if c.cacheDir != "" {
		return c.cacheDir
	}
	return filepath.Join(c.dataDir, "eventcache")
}

// GetLogDir returns the log directory
func (c *AppConfig) GetLogDir() string {
	if c.logDir != "" {
		return c.logDir
	}
	return filepath.Join(c.dataDir, "logs")
}

// IsDev checks whether the current environment is development
func (c *AppConfig) IsDev() bool {
	return c.Node.Mode == ModeDev
}

// IsProd checks whether the current environment is production
func (c *AppConfig) IsProd() bool {
	return c.Node.Mode == ModeProd
}

// IsTest checks whether the current environment is a test
func (c *AppConfig) IsTest() bool {
	return c.Node.Mode == ModeTest
}
