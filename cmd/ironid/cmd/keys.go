package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironid/keys"
)

func newKeysCmd(opts *options) *cobra.Command {
	var pool string
	c := &cobra.Command{
		Use:   "keys",
		Short: "Manage the signing key pools",
	}
	c.PersistentFlags().StringVar(&pool, "pool", string(keys.LongTerm), "Key pool (long-term or short-term)")

	// withCore runs fn against a freshly built core for the selected pool.
	withCore := func(fn func(cmd *cobra.Command, c *core, name keys.PoolName) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			initLogger(cfg)
			co, err := buildCore(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer co.Close()
			if _, err := co.keys.Pool(keys.PoolName(pool)); err != nil {
				return err
			}
			return fn(cmd, co, keys.PoolName(pool))
		}
	}

	c.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Mint the next key in the pool",
		Args:  cobra.NoArgs,
		RunE: withCore(func(cmd *cobra.Command, co *core, name keys.PoolName) error {
			id, err := co.keys.GenerateNewKey(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}),
	})

	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the keys in the pool",
		Args:  cobra.NoArgs,
		RunE: withCore(func(cmd *cobra.Command, co *core, name keys.PoolName) error {
			infos, err := co.keys.Keys(cmd.Context(), name)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY ID\tMEMBERSHIP\tPUBLIC KEY\tNOT AFTER")
			for _, k := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k.KeyID, k.Membership, keys.EncodePublicKey(k.PublicKey), k.NotAfter.Format(time.RFC3339))
			}
			return w.Flush()
		}),
	})

	c.AddCommand(&cobra.Command{
		Use:   "retire",
		Short: "Delete every key in the pool",
		Args:  cobra.NoArgs,
		RunE: withCore(func(cmd *cobra.Command, co *core, name keys.PoolName) error {
			n, err := co.keys.RetireAll(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retired %d keys\n", n)
			return nil
		}),
	})
	return c
}
