package sysinfo

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// powerSupplyDir is a var so tests can point it at a fixture tree.
var powerSupplyDir = "/sys/class/power_supply"

// Battery is the state of one battery as reported by the kernel.
type Battery struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Percent  int    `json:"percent"`
	Present  bool   `json:"present"`
	Plugged  bool   `json:"plugged"`
	CycleCnt int    `json:"cycleCount,omitempty"`
}

func runBattery(opts options, out io.Writer) error {
	bats, plugged, err := readBatteries()
	if err != nil {
		return err
	}
	v := map[string]interface{}{"batteries": bats, "acOnline": plugged}
	return emit(opts, out, v, func() {
		if len(bats) == 0 {
			fmt.Fprintln(out, "no battery")
			return
		}
		for _, b := range bats {
			fmt.Fprintf(out, "%-8s %3d%%  %s\n", b.Name, b.Percent, b.Status)
		}
		if plugged {
			fmt.Fprintln(out, "ac: online")
		}
	})
}

func readBatteries() ([]Battery, bool, error) {
	entries, err := os.ReadDir(powerSupplyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var bats []Battery
	acOnline := false
	for _, e := range entries {
		dir := filepath.Join(powerSupplyDir, e.Name())
		typ := readSysfs(dir, "type")
		switch typ {
		case "Mains":
			if readSysfs(dir, "online") == "1" {
				acOnline = true
			}
		case "Battery":
			b := Battery{
				Name:    e.Name(),
				Status:  readSysfs(dir, "status"),
				Present: readSysfs(dir, "present") != "0",
			}
			b.Percent, _ = strconv.Atoi(readSysfs(dir, "capacity"))
			b.CycleCnt, _ = strconv.Atoi(readSysfs(dir, "cycle_count"))
			bats = append(bats, b)
		}
	}
	for i := range bats {
		bats[i].Plugged = acOnline
	}
	return bats, acOnline, nil
}

func readSysfs(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
