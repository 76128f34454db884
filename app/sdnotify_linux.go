//go:build linux

package app

import "github.com/coreos/go-systemd/v22/daemon"

func notifyReady() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	return err
}
