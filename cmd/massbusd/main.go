// Command massbusd is the operator-facing process for the MASSBUS
// bridge emulator. It exposes bus/drive management as Cobra
// subcommands against an in-process System, rather than a bespoke
// line-oriented REPL.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"massbuscore/internal/bridge"
	"massbuscore/internal/bus"
	"massbuscore/internal/drive"
	"massbuscore/internal/logctx"
	"massbuscore/internal/regtype"
	"massbuscore/internal/system"
)

var (
	sys   = system.New()
	debug bool
)

func main() {
	root := &cobra.Command{
		Use:   "massbusd",
		Short: "MASSBUS bridge/drive emulator operator shell",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logctx.SetDebug(debug)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable verbose register/FIFO logging")

	root.AddCommand(
		newCreateBusCmd(),
		newConnectUnitCmd(),
		newDisconnectUnitCmd(),
		newAttachImageCmd(),
		newDetachImageCmd(),
		newSetUnitCmd(),
		newShowUnitCmd(),
		newRewindCmd(),
		newShowBridgeCmd(),
		newShowAllCmd(),
		newExitCmd(),
	)

	if err := root.Execute(); err != nil {
		logctx.Root.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func newCreateBusCmd() *cobra.Command {
	var bridgeName, family string
	var offline bool
	var port string

	cmd := &cobra.Command{
		Use:   "create-bus <letter>",
		Short: "create a bus bound to a bridge, optionally a fresh offline bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			letter := args[0][0]

			name := bridgeName
			if name == "" {
				name = fmt.Sprintf("bridge-%c", letter)
			}
			if _, ok := sys.Bridge(name); !ok {
				var br bridge.Bridge
				if offline || port == "" {
					br = bridge.NewOffline(name)
				} else {
					var err error
					br, err = bridge.NewMapped(name, port)
					if err != nil {
						return err
					}
				}
				br.SetDebug(debug)
				sys.AddBridge(br)
			}

			var override *bridge.VHDLFamily
			switch family {
			case "disk":
				f := bridge.VHDLDisk
				override = &f
			case "tape":
				f := bridge.VHDLTape
				override = &f
			}

			_, err := sys.CreateBus(letter, name, override)
			return err
		},
	}
	cmd.Flags().StringVar(&bridgeName, "bridge", "", "bridge name to bind (default bridge-<letter>)")
	cmd.Flags().StringVar(&family, "configuration", "", "VHDL family override for an offline bridge: disk|tape")
	cmd.Flags().BoolVar(&offline, "offline", false, "create a software-only bridge with no backing hardware")
	cmd.Flags().StringVar(&port, "port", "", "memory-mapped device path for a real bridge")
	return cmd
}

func newConnectUnitCmd() *cobra.Command {
	var letter string
	var alias string
	var serial uint16
	var readOnly bool
	var typeTag string

	cmd := &cobra.Command{
		Use:   "connect-unit <unit>",
		Short: "connect a drive of the given type to a unit slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := parseUnit(args[0])
			if err != nil {
				return err
			}
			b, ok := sys.Bus(letter[0])
			if !ok {
				return fmt.Errorf("no such bus %q", letter)
			}
			t, ok := regtype.Lookup(regtype.Tag(typeTag))
			if !ok {
				return fmt.Errorf("unknown drive type %q", typeTag)
			}
			if !t.Family.IsDisk() && !t.Family.IsTape() {
				return fmt.Errorf("drive type %q has no drive implementation", typeTag)
			}

			var d drive.Drive
			if t.Family.IsTape() {
				d = drive.NewTape(unit, alias, serial, readOnly, letter[0], b.Bridge, t)
			} else {
				d = drive.NewDisk(unit, alias, serial, readOnly, letter[0], b.Bridge, t)
			}
			return b.Connect(unit, d)
		},
	}
	cmd.Flags().StringVar(&letter, "bus", "", "bus letter")
	cmd.Flags().StringVar(&typeTag, "type", "", "drive type tag, e.g. RP06, TU78")
	cmd.Flags().StringVar(&alias, "alias", "", "operator-facing alias")
	cmd.Flags().Uint16Var(&serial, "serial", 0, "drive serial number")
	cmd.Flags().BoolVar(&readOnly, "nowrite", false, "attach write-locked")
	cmd.MarkFlagRequired("bus")
	cmd.MarkFlagRequired("type")
	return cmd
}

func newDisconnectUnitCmd() *cobra.Command {
	var letter string
	cmd := &cobra.Command{
		Use:   "disconnect-unit <unit>",
		Short: "remove the drive connected at a unit slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := parseUnit(args[0])
			if err != nil {
				return err
			}
			b, ok := sys.Bus(letter[0])
			if !ok {
				return fmt.Errorf("no such bus %q", letter)
			}
			return b.Disconnect(unit)
		},
	}
	cmd.Flags().StringVar(&letter, "bus", "", "bus letter")
	cmd.MarkFlagRequired("bus")
	return cmd
}

func resolveDrive(letter string, unitOrAlias string) (*bus.Bus, drive.Drive, int, error) {
	b, ok := sys.Bus(letter[0])
	if !ok {
		return nil, nil, 0, fmt.Errorf("no such bus %q", letter)
	}
	if unit, err := parseUnit(unitOrAlias); err == nil {
		d, ok := b.Unit(unit)
		if !ok {
			return b, nil, unit, fmt.Errorf("no drive connected at unit %d", unit)
		}
		return b, d, unit, nil
	}
	d, unit, ok := b.FindByAlias(unitOrAlias)
	if !ok {
		return b, nil, 0, fmt.Errorf("no drive with alias %q", unitOrAlias)
	}
	return b, d, unit, nil
}

func newAttachImageCmd() *cobra.Command {
	var letter string
	cmd := &cobra.Command{
		Use:   "attach-image <unit|alias> <path>",
		Short: "bind a backing image file to a connected drive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, unit, err := resolveDrive(letter, args[0])
			if err != nil {
				return err
			}
			return b.AttachImage(unit, args[1])
		},
	}
	cmd.Flags().StringVar(&letter, "bus", "", "bus letter")
	cmd.MarkFlagRequired("bus")
	return cmd
}

func newDetachImageCmd() *cobra.Command {
	var letter string
	cmd := &cobra.Command{
		Use:   "detach-image <unit|alias>",
		Short: "release the backing image from a connected drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, unit, err := resolveDrive(letter, args[0])
			if err != nil {
				return err
			}
			return b.DetachImage(unit)
		},
	}
	cmd.Flags().StringVar(&letter, "bus", "", "bus letter")
	cmd.MarkFlagRequired("bus")
	return cmd
}

func newSetUnitCmd() *cobra.Command {
	var letter string
	var online bool
	var offline bool
	var bits int
	var alias string
	var serial uint16

	cmd := &cobra.Command{
		Use:   "set-unit <unit|alias>",
		Short: "change a connected drive's online state, alias, serial, or disk encoding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, unit, err := resolveDrive(letter, args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("alias") {
				if err := b.SetAlias(unit, alias); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("serial") {
				if err := b.SetSerial(unit, serial); err != nil {
					return err
				}
			}
			if online {
				if err := b.SpinUp(unit); err != nil {
					return err
				}
			}
			if offline {
				if err := b.SpinDown(unit); err != nil {
					return err
				}
			}
			if bits != 0 {
				if bits != 16 && bits != 18 {
					return fmt.Errorf("--bits must be 16 or 18")
				}
				if err := b.SetDiskEncoding(unit, bits == 18); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&letter, "bus", "", "bus letter")
	cmd.Flags().BoolVar(&online, "online", false, "spin the drive up")
	cmd.Flags().BoolVar(&offline, "offline", false, "spin the drive down")
	cmd.Flags().IntVar(&bits, "bits", 0, "disk sector encoding: 16 or 18")
	cmd.Flags().StringVar(&alias, "alias", "", "new operator-facing alias")
	cmd.Flags().Uint16Var(&serial, "serial", 0, "new serial number")
	cmd.MarkFlagRequired("bus")
	return cmd
}

func newShowUnitCmd() *cobra.Command {
	var letter string
	cmd := &cobra.Command{
		Use:   "show-unit <unit|alias>",
		Short: "print a connected drive's identity and state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, unit, err := resolveDrive(letter, args[0])
			if err != nil {
				return err
			}
			printDrive(unit, d)
			return nil
		},
	}
	cmd.Flags().StringVar(&letter, "bus", "", "bus letter")
	cmd.MarkFlagRequired("bus")
	return cmd
}

func newRewindCmd() *cobra.Command {
	var letter string
	cmd := &cobra.Command{
		Use:   "rewind <unit|alias>",
		Short: "rewind a connected tape drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, unit, err := resolveDrive(letter, args[0])
			if err != nil {
				return err
			}
			return b.Rewind(unit)
		},
	}
	cmd.Flags().StringVar(&letter, "bus", "", "bus letter")
	cmd.MarkFlagRequired("bus")
	return cmd
}

func newShowBridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show-bridge <letter>",
		Short: "print a bus's bridge identity and family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, ok := sys.Bus(args[0][0])
			if !ok {
				return fmt.Errorf("no such bus %q", args[0])
			}
			fmt.Printf("bus %c: bridge=%s family=%v offline=%v units=%d online=%d\n",
				b.Letter, b.Bridge.Name(), b.Family, b.Bridge.Offline(), b.UnitsConnected(), b.UnitsOnline())
			return nil
		},
	}
	return cmd
}

func newShowAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-all",
		Short: "print every bus and its connected drives",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, b := range sys.Buses() {
				fmt.Printf("bus %c: bridge=%s family=%v units=%d online=%d\n",
					b.Letter, b.Bridge.Name(), b.Family, b.UnitsConnected(), b.UnitsOnline())
				b.Each(printDrive)
			}
			return nil
		},
	}
}

func newExitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exit",
		Short: "stop every bus service thread and close every bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys.Shutdown()
			return nil
		},
	}
}

func printDrive(unit int, d drive.Drive) {
	base := d.Base()
	fmt.Printf("  unit %d: alias=%q type=%s kind=%s online=%v readonly=%v serial=%d\n",
		unit, base.Alias, base.Type.Name, d.Kind(), base.Online, base.ReadOnly, base.Serial)
}

func parseUnit(s string) (int, error) {
	var unit int
	if _, err := fmt.Sscanf(s, "%d", &unit); err != nil {
		return 0, err
	}
	if unit < 0 || unit > 7 {
		return 0, fmt.Errorf("unit out of range: %d", unit)
	}
	return unit, nil
}
