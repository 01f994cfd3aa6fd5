// pkvctl is the management shim for persistkv volumes: statistics,
// integrity checks, journal queries and portable backups.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	persistkv "github.com/SimonWaldherr/persistkv"
)

var (
	cfgPath string
	volName string
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "pkvctl",
		Short:         "Manage persistkv volumes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "engine configuration file (YAML)")
	root.PersistentFlags().StringVar(&volName, "volume", "", "volume name")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(statCmd(), icheckCmd(), treesCmd(), jqueryCmd(), saveCmd(), loadCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pkvctl:", err)
		os.Exit(1)
	}
}

func openEngine() (*persistkv.DB, error) {
	if cfgPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := persistkv.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	cfg.Logger = &logger
	return persistkv.Open(cfg)
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print volume and tree statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openEngine()
			if err != nil {
				return err
			}
			defer db.Close()
			vol, err := db.Volume(volName)
			if err != nil {
				return err
			}
			vs := vol.Stats()
			fmt.Printf("volume %s  id=%016x pageSize=%d created=%d\n",
				vol.Name(), vol.ID(), vol.PageSize(), vol.CreateTime())
			fmt.Printf("  reads=%d writes=%d alloc=%d dealloc=%d\n",
				vs.Reads, vs.Writes, vs.Allocations, vs.Deallocated)
			names, err := vol.TreeNames()
			if err != nil {
				return err
			}
			for _, name := range names {
				t, err := vol.GetTree(name, false)
				if err != nil {
					continue
				}
				st := t.Stats()
				fmt.Printf("  tree %-24s fetch=%d store=%d remove=%d traverse=%d\n",
					name, st.Fetches.Load(), st.Stores.Load(), st.Removes.Load(), st.Traverses.Load())
			}
			return nil
		},
	}
}

func icheckCmd() *cobra.Command {
	var treeName string
	c := &cobra.Command{
		Use:   "icheck",
		Short: "Verify tree structural invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openEngine()
			if err != nil {
				return err
			}
			defer db.Close()
			vol, err := db.Volume(volName)
			if err != nil {
				return err
			}
			names := []string{treeName}
			if treeName == "" {
				if names, err = vol.TreeNames(); err != nil {
					return err
				}
			}
			bad := 0
			for _, name := range names {
				t, err := vol.GetTree(name, false)
				if err != nil {
					return err
				}
				rep, err := db.CheckTree(t)
				if err != nil {
					return err
				}
				fmt.Printf("tree %s: %d pages, %d keys\n", name, rep.Pages, rep.Keys)
				for _, p := range rep.Problems {
					fmt.Printf("  PROBLEM: %s\n", p)
					bad++
				}
			}
			if bad > 0 {
				return fmt.Errorf("%d integrity problems found", bad)
			}
			return nil
		},
	}
	c.Flags().StringVar(&treeName, "tree", "", "tree to check (default: all)")
	return c
}

func treesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trees",
		Short: "List trees in a volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openEngine()
			if err != nil {
				return err
			}
			defer db.Close()
			vol, err := db.Volume(volName)
			if err != nil {
				return err
			}
			names, err := vol.TreeNames()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func jqueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jquery",
		Short: "Show journal addresses and copyback progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openEngine()
			if err != nil {
				return err
			}
			defer db.Close()
			j := db.Store().Journal()
			fmt.Printf("base=%d copyback=%d current=%d lastCheckpointTs=%d\n",
				j.BaseAddress(), j.CopybackCursor(), j.CurrentAddress(), j.LastCheckpointTs())
			return nil
		},
	}
}
