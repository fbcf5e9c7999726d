package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/wantq/api"
	"pkt.systems/wantq/client"
)

type itemOutput struct {
	Queue  string  `json:"queue"`
	WantID string  `json:"want_id,omitempty"`
	Key    *string `json:"key"`
	Value  string  `json:"value"`
}

func newQueueCommand(cli *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage queues and their items",
	}
	cmd.AddCommand(
		newQueueCreateCommand(cli),
		newQueueListCommand(cli),
		newQueueInfoCommand(cli),
		newQueueDeleteCommand(cli),
		newQueuePutCommand(cli),
		newQueueFetchCommand(cli, "take", "Remove and print the next item"),
		newQueueFetchCommand(cli, "peek", "Print the next item without removing it"),
	)
	return cmd
}

func newQueueCreateCommand(cli *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create a queue and print its id (the server mints one when name is empty)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			var name string
			if len(args) == 1 {
				name = strings.TrimSpace(args[0])
			}
			id, err := c.Create(cmd.Context(), name)
			if err != nil {
				return err
			}
			cli.logger.Info("cli.queue.created", "queue", id)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}

func newQueueListCommand(cli *cliConfig) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			ids, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if ids == nil {
					ids = []string{}
				}
				return writeJSON(cmd.OutOrStdout(), ids)
			}
			for _, id := range ids {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON array instead of one id per line")
	return cmd
}

func newQueueInfoCommand(cli *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "info [queue]",
		Short: "Print queue metadata as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := resolveArg(args, 0, envQueue, true)
			if err != nil {
				return err
			}
			c, err := cli.client()
			if err != nil {
				return err
			}
			info, err := c.Info(cmd.Context(), queue)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), info)
		},
	}
}

func newQueueDeleteCommand(cli *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [queue]",
		Short: "Delete a queue and everything on it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := resolveArg(args, 0, envQueue, true)
			if err != nil {
				return err
			}
			c, err := cli.client()
			if err != nil {
				return err
			}
			if err := c.Delete(cmd.Context(), queue); err != nil {
				return err
			}
			cli.logger.Info("cli.queue.deleted", "queue", queue)
			return nil
		},
	}
}

func newQueuePutCommand(cli *cliConfig) *cobra.Command {
	var (
		key  string
		file string
	)
	cmd := &cobra.Command{
		Use:   "put [queue] [value]",
		Short: "Put an item on a queue",
		Long:  "Put an item on a queue. The value comes from the second argument, or from --file (- reads stdin).",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := resolveArg(args, 0, envQueue, true)
			if err != nil {
				return err
			}
			value, err := putValue(cmd, args, file)
			if err != nil {
				return err
			}
			c, err := cli.client()
			if err != nil {
				return err
			}
			var opts []client.ItemOption
			if k := keyFlag(cmd, key); k != nil {
				opts = append(opts, client.WithItemKey(*k))
			}
			if err := c.Put(cmd.Context(), queue, value, opts...); err != nil {
				return err
			}
			cli.logger.Debug("cli.queue.put", "queue", queue, "bytes", len(value))
			return nil
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "item key (env "+envKey+")")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the value from a file (- for stdin)")
	return cmd
}

func newQueueFetchCommand(cli *cliConfig, verb, short string) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   verb + " [queue]",
		Short: short,
		Long:  short + ". Exits with status 3 when no item is available.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := resolveArg(args, 0, envQueue, true)
			if err != nil {
				return err
			}
			c, err := cli.client()
			if err != nil {
				return err
			}
			var opts []client.ItemOption
			if k := keyFlag(cmd, key); k != nil {
				opts = append(opts, client.WithItemKey(*k))
			}
			var (
				item api.Item
				ok   bool
			)
			if verb == "take" {
				item, ok, err = c.Take(cmd.Context(), queue, opts...)
			} else {
				item, ok, err = c.Peek(cmd.Context(), queue, opts...)
			}
			if err != nil {
				return err
			}
			if !ok {
				return errQueueEmpty
			}
			return writeJSON(cmd.OutOrStdout(), itemOutput{Queue: queue, Key: item.Key, Value: item.Value})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "only consider items put with this key (env "+envKey+")")
	return cmd
}

// keyFlag returns the --key value, falling back to WANTQ_KEY. An explicitly
// empty --key is a valid key and is kept.
func keyFlag(cmd *cobra.Command, key string) *string {
	if cmd.Flags().Changed("key") {
		return &key
	}
	if v, ok := os.LookupEnv(envKey); ok {
		return &v
	}
	return nil
}

func putValue(cmd *cobra.Command, args []string, file string) (string, error) {
	if file != "" {
		if len(args) > 1 {
			return "", fmt.Errorf("value argument and --file are mutually exclusive")
		}
		var r io.Reader
		if file == "-" {
			r = cmd.InOrStdin()
		} else {
			f, err := os.Open(file)
			if err != nil {
				return "", fmt.Errorf("open value file: %w", err)
			}
			defer f.Close()
			r = f
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("read value: %w", err)
		}
		return string(data), nil
	}
	if len(args) < 2 {
		return "", fmt.Errorf("missing value (pass it as an argument or use --file)")
	}
	return args[1], nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
