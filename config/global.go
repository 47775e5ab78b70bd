package config

import (
	"github.com/gitrepublic/gitd/pkgs/logger"
	"github.com/gitrepublic/gitd/util"
	"github.com/olebedev/emitter"
)

// Event topics published on the global bus
const (
	// EvtPushReceived is emitted after a receive-pack completes.
	// Args: owner npub (string), repo name (string), branches ([]string)
	EvtPushReceived = "push.received"
)

var appCfg = EmptyAppConfig()

// GetConfig returns the app config singleton
func GetConfig() *AppConfig {
	return appCfg
}

// Globals holds references to global objects
type Globals struct {
	Log       logger.Logger
	Bus       *emitter.Emitter
	Interrupt *util.Interrupt
}

// G returns the global object
func (c *AppConfig) G() *Globals {
	return c.g
}
