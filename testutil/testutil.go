package testutil

import (
	"os"
	path "path/filepath"

	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/pkgs/logger"
	"github.com/gitrepublic/gitd/util"
	"github.com/mitchellh/go-homedir"
	"github.com/olebedev/emitter"
)

// SetTestCfg prepares a throwaway config and data directory for tests.
// The caller is expected to os.RemoveAll(cfg.DataDir()) in AfterEach.
func SetTestCfg() (*config.AppConfig, error) {
	dir, _ := homedir.Dir()
	dataDir := path.Join(dir, ".gitd_test_"+util.RandString(8))

	cfg := config.EmptyAppConfig()
	cfg.Node.Mode = config.ModeTest
	cfg.Node.GitBinPath = "git"
	cfg.Remote.Scheme = "https"
	cfg.Remote.Domain = "example.org"
	cfg.SetDataDir(dataDir)
	cfg.SetRepoRoot(path.Join(dataDir, "repos"))

	if err := os.MkdirAll(cfg.GetRepoRoot(), 0700); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.GetEventCacheDir(), 0700); err != nil {
		return nil, err
	}

	itr := util.Interrupt(make(chan struct{}))
	cfg.G().Log = logger.NewLogrusNoOp()
	cfg.G().Bus = emitter.New(64)
	cfg.G().Interrupt = &itr

	return cfg, nil
}
