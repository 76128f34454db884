// Package sysinfo implements the `sys` diagnostic subcommand.
package sysinfo

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
	gopsnet "github.com/shirou/gopsutil/net"
	"github.com/shirou/gopsutil/process"
)

// options are the parsed sys flags.
type options struct {
	jsonOut  bool
	watch    bool
	extended bool
	cores    bool
	pid      int
	topCPU   int
	topMem   int
}

// Run executes `sys <command> [flags]` and returns the process exit code.
func Run(args []string, out io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(out, usage)
		return 1
	}
	cmd := args[0]
	opts, err := parseFlags(args[1:])
	if err != nil {
		fmt.Fprintf(out, "sys: %s\n", err)
		return 1
	}

	run := func() error { return dispatch(cmd, opts, out) }
	if opts.watch {
		for {
			if err := run(); err != nil {
				fmt.Fprintf(out, "sys: %s\n", err)
				return 1
			}
			time.Sleep(2 * time.Second)
		}
	}
	if err := run(); err != nil {
		fmt.Fprintf(out, "sys: %s\n", err)
		return 1
	}
	return 0
}

const usage = `usage: sys <command> [--json] [--watch]

commands:
  info [--extended]   host and runtime summary
  cpu [--cores]       cpu load
  memory              memory usage
  processes [--pid N | --top-cpu K | --top-mem K]
  ports               listening tcp ports
  battery             battery state
  paths               well-known paths
  quick               one-line snapshot
  temp                temperature sensors`

func parseFlags(args []string) (options, error) {
	var o options
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			o.jsonOut = true
		case "--watch":
			o.watch = true
		case "--extended":
			o.extended = true
		case "--cores":
			o.cores = true
		case "--pid", "--top-cpu", "--top-mem":
			if i+1 >= len(args) {
				return o, fmt.Errorf("flag %s needs a value", args[i])
			}
			var n int
			if _, err := fmt.Sscanf(args[i+1], "%d", &n); err != nil {
				return o, fmt.Errorf("flag %s needs an integer, got %q", args[i], args[i+1])
			}
			switch args[i] {
			case "--pid":
				o.pid = n
			case "--top-cpu":
				o.topCPU = n
			case "--top-mem":
				o.topMem = n
			}
			i++
		default:
			return o, fmt.Errorf("unknown flag %q", args[i])
		}
	}
	return o, nil
}

func dispatch(cmd string, opts options, out io.Writer) error {
	switch cmd {
	case "info":
		return runInfo(opts, out)
	case "cpu":
		return runCPU(opts, out)
	case "memory":
		return runMemory(opts, out)
	case "processes":
		return runProcesses(opts, out)
	case "ports":
		return runPorts(opts, out)
	case "battery":
		return runBattery(opts, out)
	case "paths":
		return runPaths(opts, out)
	case "quick":
		return runQuick(opts, out)
	case "temp":
		return runTemp(opts, out)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func emit(opts options, out io.Writer, v interface{}, human func()) error {
	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human()
	return nil
}

func runInfo(opts options, out io.Writer) error {
	hi, err := host.Info()
	if err != nil {
		return err
	}
	info := map[string]interface{}{
		"hostname": hi.Hostname,
		"os":       hi.OS,
		"platform": fmt.Sprintf("%s %s", hi.Platform, hi.PlatformVersion),
		"kernel":   hi.KernelVersion,
		"arch":     runtime.GOARCH,
		"cpus":     runtime.NumCPU(),
		"uptime":   (time.Duration(hi.Uptime) * time.Second).String(),
	}
	if opts.extended {
		if vm, err := mem.VirtualMemory(); err == nil {
			info["memoryTotal"] = vm.Total
		}
		if parts, err := disk.Partitions(false); err == nil {
			disks := make([]map[string]interface{}, 0, len(parts))
			for _, p := range parts {
				u, err := disk.Usage(p.Mountpoint)
				if err != nil {
					continue
				}
				disks = append(disks, map[string]interface{}{
					"mount":       p.Mountpoint,
					"fs":          p.Fstype,
					"total":       u.Total,
					"usedPercent": u.UsedPercent,
				})
			}
			info["disks"] = disks
		}
		info["goVersion"] = runtime.Version()
		info["bootTime"] = time.Unix(int64(hi.BootTime), 0).Format(time.RFC3339)
	}
	return emit(opts, out, info, func() {
		fmt.Fprintf(out, "host:    %s\n", hi.Hostname)
		fmt.Fprintf(out, "os:      %s (%s %s)\n", hi.OS, hi.Platform, hi.PlatformVersion)
		fmt.Fprintf(out, "kernel:  %s\n", hi.KernelVersion)
		fmt.Fprintf(out, "cpus:    %d (%s)\n", runtime.NumCPU(), runtime.GOARCH)
		fmt.Fprintf(out, "uptime:  %s\n", (time.Duration(hi.Uptime) * time.Second))
		if opts.extended {
			fmt.Fprintf(out, "go:      %s\n", runtime.Version())
		}
	})
}

func runCPU(opts options, out io.Writer) error {
	percpu := opts.cores
	pcts, err := cpu.Percent(500*time.Millisecond, percpu)
	if err != nil {
		return err
	}
	infos, _ := cpu.Info()
	model := ""
	if len(infos) > 0 {
		model = infos[0].ModelName
	}
	v := map[string]interface{}{"model": model, "usage": pcts}
	return emit(opts, out, v, func() {
		if model != "" {
			fmt.Fprintf(out, "model: %s\n", model)
		}
		for i, p := range pcts {
			if percpu {
				fmt.Fprintf(out, "core %-3d %5.1f%%\n", i, p)
			} else {
				fmt.Fprintf(out, "usage: %5.1f%%\n", p)
			}
		}
	})
}

func runMemory(opts options, out io.Writer) error {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return err
	}
	sw, _ := mem.SwapMemory()
	v := map[string]interface{}{
		"total":       vm.Total,
		"used":        vm.Used,
		"available":   vm.Available,
		"usedPercent": vm.UsedPercent,
	}
	if sw != nil {
		v["swapTotal"] = sw.Total
		v["swapUsed"] = sw.Used
	}
	return emit(opts, out, v, func() {
		fmt.Fprintf(out, "total:     %s\n", fmtBytes(vm.Total))
		fmt.Fprintf(out, "used:      %s (%.1f%%)\n", fmtBytes(vm.Used), vm.UsedPercent)
		fmt.Fprintf(out, "available: %s\n", fmtBytes(vm.Available))
		if sw != nil && sw.Total > 0 {
			fmt.Fprintf(out, "swap:      %s / %s\n", fmtBytes(sw.Used), fmtBytes(sw.Total))
		}
	})
}

type procRow struct {
	PID    int32   `json:"pid"`
	Name   string  `json:"name"`
	CPUPct float64 `json:"cpuPercent"`
	MemPct float32 `json:"memPercent"`
}

func runProcesses(opts options, out io.Writer) error {
	if opts.pid > 0 {
		p, err := process.NewProcess(int32(opts.pid))
		if err != nil {
			return fmt.Errorf("no process with pid %d", opts.pid)
		}
		row := collectProc(p)
		return emit(opts, out, row, func() {
			fmt.Fprintf(out, "%6d  %-24s cpu %5.1f%%  mem %5.1f%%\n", row.PID, row.Name, row.CPUPct, row.MemPct)
		})
	}

	procs, err := process.Processes()
	if err != nil {
		return err
	}
	rows := make([]procRow, 0, len(procs))
	for _, p := range procs {
		rows = append(rows, collectProc(p))
	}
	limit := 20
	switch {
	case opts.topCPU > 0:
		sort.Slice(rows, func(i, j int) bool { return rows[i].CPUPct > rows[j].CPUPct })
		limit = opts.topCPU
	case opts.topMem > 0:
		sort.Slice(rows, func(i, j int) bool { return rows[i].MemPct > rows[j].MemPct })
		limit = opts.topMem
	default:
		sort.Slice(rows, func(i, j int) bool { return rows[i].PID < rows[j].PID })
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return emit(opts, out, rows, func() {
		for _, r := range rows {
			fmt.Fprintf(out, "%6d  %-24s cpu %5.1f%%  mem %5.1f%%\n", r.PID, r.Name, r.CPUPct, r.MemPct)
		}
	})
}

func collectProc(p *process.Process) procRow {
	row := procRow{PID: p.Pid}
	row.Name, _ = p.Name()
	row.CPUPct, _ = p.CPUPercent()
	row.MemPct, _ = p.MemoryPercent()
	return row
}

func runPorts(opts options, out io.Writer) error {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return err
	}
	type portRow struct {
		Port uint32 `json:"port"`
		Addr string `json:"addr"`
		PID  int32  `json:"pid"`
	}
	var rows []portRow
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		rows = append(rows, portRow{Port: c.Laddr.Port, Addr: c.Laddr.IP, PID: c.Pid})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Port < rows[j].Port })
	return emit(opts, out, rows, func() {
		for _, r := range rows {
			fmt.Fprintf(out, "%6d  %-40s pid %d\n", r.Port, r.Addr, r.PID)
		}
	})
}

func runPaths(opts options, out io.Writer) error {
	wd, _ := os.Getwd()
	exe, _ := os.Executable()
	home, _ := os.UserHomeDir()
	cfg, _ := os.UserConfigDir()
	v := map[string]string{
		"cwd":    wd,
		"binary": exe,
		"home":   home,
		"config": cfg,
		"temp":   os.TempDir(),
	}
	return emit(opts, out, v, func() {
		for _, k := range []string{"cwd", "binary", "home", "config", "temp"} {
			fmt.Fprintf(out, "%-8s %s\n", k+":", v[k])
		}
	})
}

func runQuick(opts options, out io.Writer) error {
	pcts, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		return err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return err
	}
	cpuPct := 0.0
	if len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	v := map[string]interface{}{
		"cpuPercent": cpuPct,
		"memPercent": vm.UsedPercent,
		"memUsed":    vm.Used,
	}
	return emit(opts, out, v, func() {
		fmt.Fprintf(out, "cpu %.1f%%  mem %.1f%% (%s)\n", cpuPct, vm.UsedPercent, fmtBytes(vm.Used))
	})
}

func runTemp(opts options, out io.Writer) error {
	temps, err := host.SensorsTemperatures()
	if err != nil {
		return err
	}
	return emit(opts, out, temps, func() {
		if len(temps) == 0 {
			fmt.Fprintln(out, "no temperature sensors")
			return
		}
		for _, t := range temps {
			fmt.Fprintf(out, "%-32s %5.1f°C\n", t.SensorKey, t.Temperature)
		}
	})
}

func fmtBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
