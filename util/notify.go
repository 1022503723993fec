package util

import (
	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
)

// Notify sends state to systemd if running under it.
func Notify(state string) {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		zap.S().Infof("notify %q failed: %s", state, err)
		return
	}
	if !ok {
		zap.S().Debugf("notify %q: not running under systemd.", state)
	}
}
