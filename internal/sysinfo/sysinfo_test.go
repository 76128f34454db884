package sysinfo

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"--json", "--watch", "--top-cpu", "5"})
	assert.NoError(t, err)
	assert.True(t, o.jsonOut)
	assert.True(t, o.watch)
	assert.Equal(t, 5, o.topCPU)

	_, err = parseFlags([]string{"--pid"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"--pid", "abc"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"--bogus"})
	assert.Error(t, err)
}

func TestRunUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	code := Run([]string{"nonsense"}, &buf)
	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "unknown command")
}

func TestRunNoArgs(t *testing.T) {
	var buf bytes.Buffer
	code := Run(nil, &buf)
	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "usage:")
}

func TestPathsJSON(t *testing.T) {
	var buf bytes.Buffer
	code := Run([]string{"paths", "--json"}, &buf)
	assert.Equal(t, 0, code)

	var v map[string]string
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &v))
	wd, _ := os.Getwd()
	assert.Equal(t, wd, v["cwd"])
	assert.NotEmpty(t, v["temp"])
}

func TestMemoryJSON(t *testing.T) {
	var buf bytes.Buffer
	code := Run([]string{"memory", "--json"}, &buf)
	assert.Equal(t, 0, code)

	var v map[string]interface{}
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &v))
	assert.Greater(t, v["total"].(float64), float64(0))
}

func TestProcessesSelf(t *testing.T) {
	var buf bytes.Buffer
	code := Run([]string{"processes", "--pid", strconv.Itoa(os.Getpid()), "--json"}, &buf)
	assert.Equal(t, 0, code)

	var row procRow
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &row))
	assert.Equal(t, int32(os.Getpid()), row.PID)
	assert.NotEmpty(t, row.Name)
}

func TestBatteryFixture(t *testing.T) {
	dir := t.TempDir()
	bat := filepath.Join(dir, "BAT0")
	ac := filepath.Join(dir, "AC")
	assert.NoError(t, os.MkdirAll(bat, 0o755))
	assert.NoError(t, os.MkdirAll(ac, 0o755))
	writeFixture(t, bat, "type", "Battery")
	writeFixture(t, bat, "status", "Discharging")
	writeFixture(t, bat, "capacity", "73")
	writeFixture(t, bat, "present", "1")
	writeFixture(t, bat, "cycle_count", "112")
	writeFixture(t, ac, "type", "Mains")
	writeFixture(t, ac, "online", "1")

	old := powerSupplyDir
	powerSupplyDir = dir
	defer func() { powerSupplyDir = old }()

	bats, plugged, err := readBatteries()
	assert.NoError(t, err)
	assert.True(t, plugged)
	assert.Len(t, bats, 1)
	assert.Equal(t, "BAT0", bats[0].Name)
	assert.Equal(t, 73, bats[0].Percent)
	assert.Equal(t, "Discharging", bats[0].Status)
	assert.Equal(t, 112, bats[0].CycleCnt)
	assert.True(t, bats[0].Plugged)
}

func TestBatteryMissingDir(t *testing.T) {
	old := powerSupplyDir
	powerSupplyDir = filepath.Join(t.TempDir(), "nope")
	defer func() { powerSupplyDir = old }()

	bats, plugged, err := readBatteries()
	assert.NoError(t, err)
	assert.False(t, plugged)
	assert.Empty(t, bats)
}

func TestFmtBytes(t *testing.T) {
	assert.Equal(t, "512 B", fmtBytes(512))
	assert.Equal(t, "1.0 KiB", fmtBytes(1024))
	assert.Equal(t, "1.5 MiB", fmtBytes(1536*1024))
}

func writeFixture(t *testing.T, dir, name, val string) {
	t.Helper()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(val+"\n"), 0o644))
}
