// ibdevinfo is a host inspection CLI for InfiniBand/RoCE adapters. It
// lists the adapters visible in sysfs together with their PCI identity,
// model, NUMA locality, and effective PCIe bandwidth, and exposes the
// fabric timeout encodings used when bringing up queue pairs.
//
// Usage:
//
//	ibdevinfo list
//	ibdevinfo bw --width 16 --speed 8
//	ibdevinfo encode --timeout 1ms --rnr 10ms
//	ibdevinfo init --path /etc/ibcore/ibcore.yaml
package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rdmakit/ibcore/internal/config"
	"github.com/rdmakit/ibcore/internal/ibdev"
	"github.com/rdmakit/ibcore/internal/sysinfo"
	"github.com/rdmakit/ibcore/internal/topo"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "ibdevinfo",
		Short:         "InfiniBand/RoCE adapter inspection tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			zerolog.SetGlobalLevel(lvl)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newListCmd(),
		newBWCmd(),
		newEncodeCmd(),
		newInitCmd(),
		newVersionCmd(),
	)

	return root
}

// adapterInfo is one row of the list output.
type adapterInfo struct {
	Name         string   `json:"name"`
	BDF          string   `json:"bdf,omitempty"`
	Vendor       string   `json:"vendor,omitempty"`
	DeviceID     string   `json:"device_id,omitempty"`
	Model        string   `json:"model"`
	SysDev       int      `json:"sys_dev"`
	NUMANode     int      `json:"numa_node"`
	PCIBandwidth float64  `json:"pci_bandwidth_bytes,omitempty"`
	CharDevices  []string `json:"char_devices,omitempty"`
}

func newListCmd() *cobra.Command {
	var (
		sysfsRoot  string
		configPath string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List InfiniBand/RoCE adapters visible in sysfs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			src := &sysinfo.FS{Root: sysfsRoot}
			adapters, err := listAdapters(src, topo.Default(), cfg.CustomSpecs)
			if err != nil {
				return err
			}
			if len(adapters) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No InfiniBand devices found.")
				return nil
			}

			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(adapters)
			default:
				table := tablewriter.NewTable(cmd.OutOrStdout())
				table.Header("DEVICE", "BDF", "PCI ID", "MODEL", "SYSDEV", "NUMA", "PCIE BW", "CHAR DEVICES")
				for _, a := range adapters {
					table.Append(a.Name, orUnknown(a.BDF),
						orUnknown(pciIDColumn(a)), a.Model,
						sysDevColumn(a.SysDev),
						fmt.Sprintf("%d", a.NUMANode),
						bandwidthColumn(a.PCIBandwidth),
						charDevColumn(a.CharDevices))
				}
				table.Render()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sysfsRoot, "sysfs", "/sys", "sysfs mount point")
	cmd.Flags().StringVar(&configPath, "config", "", "Configuration file path")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// listAdapters walks the sysfs infiniband class directory and resolves
// each adapter's PCI identity and locality, registering every located
// PCI function in reg so the reported system-device ids match what the
// device layer would assign. Adapters whose PCI function cannot be
// located still appear, with the advisory columns blank.
func listAdapters(src *sysinfo.FS, reg *topo.Registry, custom []ibdev.DeviceSpec) ([]adapterInfo, error) {
	classDir := filepath.Join(src.Root, "class", "infiniband")
	entries, err := os.ReadDir(classDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", classDir, err)
	}

	adapters := make([]adapterInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		a := adapterInfo{
			Name:     name,
			SysDev:   int(topo.Unknown),
			NUMANode: sysinfo.NUMANode(src, name),
		}

		if pciDir, err := sysinfo.PCIDir(src, filepath.Join("class", "infiniband", name)); err == nil {
			a.BDF = sysinfo.BDFName(pciDir)
			dev := reg.FindByBDF(a.BDF)
			reg.SetName(dev, name)
			a.SysDev = int(dev)
			id := sysinfo.ReadPCIID(src, pciDir)
			a.Vendor = fmt.Sprintf("0x%04x", id.Vendor)
			a.DeviceID = fmt.Sprintf("0x%04x", id.Device)
			a.Model = ibdev.LookupSpec(id, custom).Name

			width, werr := sysinfo.CurrentLinkWidth(src, pciDir)
			speed, serr := sysinfo.CurrentLinkSpeed(src, pciDir)
			if werr == nil && serr == nil {
				a.PCIBandwidth = ibdev.PCIBandwidth(width, speed)
			}

			a.CharDevices = sysinfo.RdmaCharDevices(a.BDF)
		} else {
			a.Model = ibdev.LookupSpec(sysinfo.PCIID{}, custom).Name
		}

		adapters = append(adapters, a)
	}
	sort.Slice(adapters, func(i, j int) bool { return adapters[i].Name < adapters[j].Name })
	return adapters, nil
}

func newBWCmd() *cobra.Command {
	var (
		width uint
		speed float64
	)

	cmd := &cobra.Command{
		Use:   "bw",
		Short: "Compute effective PCIe bandwidth for a link width and speed",
		RunE: func(cmd *cobra.Command, args []string) error {
			bw := ibdev.PCIBandwidth(width, speed)
			if bw == ibdev.PCIBandwidthUnknown {
				return fmt.Errorf("no PCIe generation matches %.1f GT/s", speed)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "x%d @ %.1f GT/s: %s/s\n", width, speed, humanBytes(bw))
			return nil
		},
	}

	cmd.Flags().UintVar(&width, "width", 16, "Negotiated lane count")
	cmd.Flags().Float64Var(&speed, "speed", 8.0, "Per-lane transfer rate in GT/s")

	return cmd
}

func newEncodeCmd() *cobra.Command {
	var (
		timeout time.Duration
		rnr     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Show the fabric encodings of QP timeout values",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "local ack timeout %v: code %d\n",
				timeout, ibdev.ToQPFabricTime(timeout))
			fmt.Fprintf(cmd.OutOrStdout(), "rnr nak timer     %v: code %d\n",
				rnr, ibdev.ToRNRFabricTime(rnr))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Millisecond, "Transport (local ack) timeout")
	cmd.Flags().DurationVar(&rnr, "rnr", 10*time.Millisecond, "Receiver-not-ready retry delay")

	return cmd
}

func newInitCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "ibcore.yaml", "Destination for the generated configuration file")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ibdevinfo %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}

func pciIDColumn(a adapterInfo) string {
	if a.Vendor == "" {
		return ""
	}
	return a.Vendor + ":" + a.DeviceID
}

func sysDevColumn(dev int) string {
	if dev == int(topo.Unknown) {
		return "(unknown)"
	}
	return fmt.Sprintf("%d", dev)
}

func bandwidthColumn(bw float64) string {
	if bw == 0 {
		return "(unknown)"
	}
	if math.IsInf(bw, 1) {
		return "(unlimited)"
	}
	return humanBytes(bw) + "/s"
}

func charDevColumn(devs []string) string {
	if len(devs) == 0 {
		return "(none)"
	}
	s := devs[0]
	for _, d := range devs[1:] {
		s += ", " + d
	}
	return s
}

func humanBytes(v float64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}
