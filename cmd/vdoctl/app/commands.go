package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/topolvm/vdoctl/internal/dispatch"
	"github.com/topolvm/vdoctl/internal/size"
	"github.com/topolvm/vdoctl/internal/validate"
	"github.com/topolvm/vdoctl/internal/volume"
)

// nameOrAllFlags registers --name/--all on cmd and returns the Selector the
// command's RunE should populate and pass to the dispatcher.
func nameOrAllFlags(cmd *cobra.Command) *dispatch.Selector {
	sel := &dispatch.Selector{}
	cmd.Flags().StringVar(&sel.Name, "name", "", "volume name")
	cmd.Flags().BoolVar(&sel.All, "all", false, "apply to every configured volume")
	return sel
}

func init() {
	rootCmd.AddCommand(
		newCreateCmd(),
		newImportCmd(),
		newRemoveCmd(),
		newStartCmd(),
		newStopCmd(),
		newActivateCmd(),
		newDeactivateCmd(),
		newStatusCmd(),
		newListCmd(),
		newPrintConfigFileCmd(),
		newModifyCmd(),
		newGrowLogicalCmd(),
		newGrowPhysicalCmd(),
		newEnableCompressionCmd(),
		newDisableCompressionCmd(),
		newEnableDeduplicationCmd(),
		newDisableDeduplicationCmd(),
		newChangeWritePolicyCmd(),
	)
}

func newCreateCmd() *cobra.Command {
	name := ""
	var opts dispatch.CreateOptions
	var logicalSize, slabSize, blockMapCacheSize, readCacheSize, maxDiscardSize string
	var writePolicy, indexMemory string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and format a new VDO volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.Device, err = validate.BlockDevicePath(opts.Device); err != nil {
				return err
			}
			if opts.LogicalSize, err = sizeOrZero(logicalSize, validate.LogicalSize); err != nil {
				return err
			}
			if opts.SlabSize, err = sizeOrZero(slabSize, validate.PowerOfTwoSize); err != nil {
				return err
			}
			if opts.BlockMapCacheSize, err = sizeOrZero(blockMapCacheSize, validate.PageCacheSize); err != nil {
				return err
			}
			if opts.ReadCacheSize, err = sizeOrZero(readCacheSize, validate.PageCacheSize); err != nil {
				return err
			}
			if opts.MaxDiscardSize, err = sizeOrZero(maxDiscardSize, validate.DiscardSize); err != nil {
				return err
			}
			if opts.WritePolicy, err = validate.ParseWritePolicy(writePolicy); err != nil {
				return err
			}
			if opts.IndexMemory, err = validate.IndexMemory(indexMemory); err != nil {
				return err
			}
			if opts.UUID, err = validate.UUID(opts.UUID); err != nil {
				return err
			}
			return dispatcher.Create(cmd.Context(), name, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&name, "name", "", "volume name")
	cmd.MarkFlagRequired("name")
	f.StringVar(&opts.Device, "device", "", "backing block device")
	cmd.MarkFlagRequired("device")
	f.StringVar(&logicalSize, "vdoLogicalSize", "", "logical size (default equals device size)")
	f.StringVar(&slabSize, "vdoSlabSize", "2G", "slab size")
	f.StringVar(&blockMapCacheSize, "blockMapCacheSize", "128M", "block map cache size")
	f.StringVar(&readCacheSize, "readCacheSize", "0", "read cache size")
	f.StringVar(&maxDiscardSize, "maxDiscardSize", "4K", "max discard size")
	f.IntVar(&opts.LogicalBlockSize, "logicalBlockSize", 4096, "logical block size")
	f.BoolVar(&opts.EnableCompression, "compression", true, "enable compression")
	f.BoolVar(&opts.EnableDeduplication, "deduplication", true, "enable deduplication")
	f.BoolVar(&opts.Activated, "activate", true, "activate the volume on creation")
	f.BoolVar(&opts.IndexSparse, "sparseIndex", false, "use a sparse UDS index")
	f.StringVar(&writePolicy, "writePolicy", "auto", "write policy (sync, async, auto)")
	f.IntVar(&opts.AckThreads, "ackThreads", 1, "bio acknowledgement thread count")
	f.IntVar(&opts.BioThreads, "bioThreads", 4, "bio submission thread count")
	f.IntVar(&opts.CPUThreads, "cpuThreads", 2, "CPU-bound work thread count")
	f.IntVar(&opts.HashZoneThreads, "hashZoneThreads", 1, "hash zone thread count")
	f.IntVar(&opts.LogicalThreads, "logicalThreads", 1, "logical zone thread count")
	f.IntVar(&opts.PhysicalThreads, "physicalThreads", 1, "physical zone thread count")
	f.IntVar(&opts.BioRotationInterval, "bioRotationInterval", 64, "bio submission rotation interval")
	f.IntVar(&opts.BlockMapPeriod, "blockMapPeriod", 16380, "block map era period")
	f.StringVar(&indexMemory, "indexMem", "0.25", "UDS index memory size in GB, or a fraction string")
	f.IntVar(&opts.IndexCfreq, "indexCfreq", 0, "UDS index checkpoint frequency")
	f.IntVar(&opts.IndexThreads, "indexThreads", 0, "UDS index thread count")
	f.StringVar(&opts.UUID, "uuid", "", "volume UUID (default generated)")
	f.BoolVar(&opts.Force, "force", false, "overwrite an existing VDO signature")
	return cmd
}

func newImportCmd() *cobra.Command {
	name := ""
	var opts dispatch.CreateOptions
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Register an already-formatted VDO volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.Device, err = validate.BlockDevicePath(opts.Device); err != nil {
				return err
			}
			return dispatcher.Import(cmd.Context(), name, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "volume name")
	cmd.MarkFlagRequired("name")
	f.StringVar(&opts.Device, "device", "", "backing block device carrying an existing VDO signature")
	cmd.MarkFlagRequired("device")
	f.BoolVar(&opts.Activated, "activate", true, "activate the volume on import")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{Use: "remove", Short: "Remove one or all VDO volumes"}
	sel := nameOrAllFlags(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "remove even if the volume cannot be stopped cleanly")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return dispatcher.Remove(cmd.Context(), *sel, force)
	}
	return cmd
}

func newStartCmd() *cobra.Command {
	var forceRebuild bool
	cmd := &cobra.Command{Use: "start", Short: "Start (resume) one or all VDO volumes"}
	sel := nameOrAllFlags(cmd)
	cmd.Flags().BoolVar(&forceRebuild, "forceRebuild", false, "rebuild metadata instead of a clean resume")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return dispatcher.Start(cmd.Context(), *sel, forceRebuild)
	}
	return cmd
}

func newStopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{Use: "stop", Short: "Stop (suspend and remove) one or all VDO volumes"}
	sel := nameOrAllFlags(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "stop even if the volume cannot be suspended cleanly")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return dispatcher.Stop(cmd.Context(), *sel, force)
	}
	return cmd
}

func newActivateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "activate", Short: "Mark one or all volumes as activated"}
	sel := nameOrAllFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return dispatcher.Activate(cmd.Context(), *sel)
	}
	return cmd
}

func newDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "deactivate", Short: "Mark one or all volumes as deactivated"}
	sel := nameOrAllFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return dispatcher.Deactivate(cmd.Context(), *sel)
	}
	return cmd
}

func newGrowLogicalCmd() *cobra.Command {
	var name, newSize string
	cmd := &cobra.Command{
		Use:   "growLogical",
		Short: "Grow a volume's logical size",
		RunE: func(cmd *cobra.Command, args []string) error {
			sz, err := validate.LogicalSize(newSize)
			if err != nil {
				return err
			}
			return dispatcher.GrowLogical(cmd.Context(), dispatch.Selector{Name: name}, sz)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "volume name")
	cmd.MarkFlagRequired("name")
	cmd.Flags().StringVar(&newSize, "vdoLogicalSize", "", "new logical size")
	cmd.MarkFlagRequired("vdoLogicalSize")
	return cmd
}

func newGrowPhysicalCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "growPhysical",
		Short: "Grow a volume onto its enlarged backing device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatcher.GrowPhysical(cmd.Context(), dispatch.Selector{Name: name})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "volume name")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newChangeWritePolicyCmd() *cobra.Command {
	var name, policyRaw string
	cmd := &cobra.Command{
		Use:   "changeWritePolicy",
		Short: "Change a volume's write policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := validate.ParseWritePolicy(policyRaw)
			if err != nil {
				return err
			}
			return dispatcher.ChangeWritePolicy(cmd.Context(), dispatch.Selector{Name: name}, policy)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "volume name")
	cmd.MarkFlagRequired("name")
	cmd.Flags().StringVar(&policyRaw, "writePolicy", "", "sync, async, or auto")
	cmd.MarkFlagRequired("writePolicy")
	return cmd
}

func newEnableCompressionCmd() *cobra.Command {
	return toggleCmd("enableCompression", true, func(cmd *cobra.Command, sel dispatch.Selector, enabled bool) error {
		return dispatcher.SetCompression(cmd.Context(), sel, enabled)
	})
}

func newDisableCompressionCmd() *cobra.Command {
	return toggleCmd("disableCompression", false, func(cmd *cobra.Command, sel dispatch.Selector, enabled bool) error {
		return dispatcher.SetCompression(cmd.Context(), sel, enabled)
	})
}

func newEnableDeduplicationCmd() *cobra.Command {
	return toggleCmd("enableDeduplication", true, func(cmd *cobra.Command, sel dispatch.Selector, enabled bool) error {
		return dispatcher.SetDeduplication(cmd.Context(), sel, enabled)
	})
}

func newDisableDeduplicationCmd() *cobra.Command {
	return toggleCmd("disableDeduplication", false, func(cmd *cobra.Command, sel dispatch.Selector, enabled bool) error {
		return dispatcher.SetDeduplication(cmd.Context(), sel, enabled)
	})
}

// toggleCmd factors the four enable/disable-{compression,deduplication}
// commands, which differ only in name, the fixed enabled value, and which
// dispatcher method they call.
func toggleCmd(use string, enabled bool, call func(*cobra.Command, dispatch.Selector, bool) error) *cobra.Command {
	cmd := &cobra.Command{Use: use, Short: fmt.Sprintf("Run %s on one or all volumes", use)}
	sel := nameOrAllFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return call(cmd, *sel, enabled)
	}
	return cmd
}

func newModifyCmd() *cobra.Command {
	var ackThreads, bioThreads, cpuThreads string
	var hashZoneThreads, logicalThreads, physicalThreads string
	var bioRotationInterval, blockMapPeriod string

	cmd := &cobra.Command{Use: "modify", Short: "Modify mutable thread and cache options"}
	sel := nameOrAllFlags(cmd)
	f := cmd.Flags()
	f.StringVar(&ackThreads, "ackThreads", "", "bio acknowledgement thread count")
	f.StringVar(&bioThreads, "bioThreads", "", "bio submission thread count")
	f.StringVar(&cpuThreads, "cpuThreads", "", "CPU-bound work thread count")
	f.StringVar(&hashZoneThreads, "hashZoneThreads", "", "hash zone thread count")
	f.StringVar(&logicalThreads, "logicalThreads", "", "logical zone thread count")
	f.StringVar(&physicalThreads, "physicalThreads", "", "physical zone thread count")
	f.StringVar(&bioRotationInterval, "bioRotationInterval", "", "bio submission rotation interval")
	f.StringVar(&blockMapPeriod, "blockMapPeriod", "", "block map era period")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		changes := map[string]string{}
		add := func(key, val string) {
			if val != "" {
				changes[key] = val
			}
		}
		add("ackThreads", ackThreads)
		add("bioThreads", bioThreads)
		add("cpuThreads", cpuThreads)
		add("hashZoneThreads", hashZoneThreads)
		add("logicalThreads", logicalThreads)
		add("physicalThreads", physicalThreads)
		add("bioRotationInterval", bioRotationInterval)
		add("blockMapPeriod", blockMapPeriod)
		if len(changes) == 0 {
			return fmt.Errorf("modify: at least one option must be given")
		}
		return dispatcher.Modify(cmd.Context(), *sel, changes)
	}
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "status", Short: "Report the current state of one or all volumes"}
	sel := nameOrAllFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		statuses, err := dispatcher.Status(cmd.Context(), *sel)
		if err != nil {
			return err
		}
		printStatuses(cmd, statuses)
		return nil
	}
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every configured volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := dispatcher.List(cmd.Context())
			if err != nil {
				return err
			}
			printStatuses(cmd, statuses)
			return nil
		},
	}
}

func newPrintConfigFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "printConfigFile",
		Short: "Print the configuration file as it currently stands",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := dispatcher.PrintConfigFile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

// printStatuses renders one line per volume, matching the field order the
// original tooling's human-readable report used ahead of its kernel-counter
// section (out of scope here).
func printStatuses(cmd *cobra.Command, statuses []volume.Status) {
	w := cmd.OutOrStdout()
	for _, s := range statuses {
		state := "stopped"
		if s.Running {
			state = "running"
		}
		fmt.Fprintf(w, "%s: device %s, %s, activated=%t, compression=%t, deduplication=%t, writePolicy=%s, logicalSize=%s, physicalSize=%s, operationState=%s\n",
			s.Name, s.Device, state, s.Activated, s.EnableCompression, s.EnableDeduplication, s.WritePolicy, s.LogicalSize, s.PhysicalSize, s.OperationState)
	}
}

func sizeOrZero(raw string, parse func(string) (size.Value, error)) (size.Value, error) {
	if raw == "" {
		return size.Value{}, nil
	}
	return parse(raw)
}
