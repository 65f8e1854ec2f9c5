package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/storebox"
	"github.com/jpalmerr/storebox/config"
)

// dispatchCmd runs actions against a fresh store and prints what changed.
var dispatchCmd = &cobra.Command{
	Use:   "dispatch [action]...",
	Short: "Run actions against a store and print each notification",
	Long: `Create the store described by a config file, subscribe to the watched
fields, dispatch the given actions in order and print every notification
followed by the final state as YAML.

Each watched field is its own subscription, so an action only prints the
fields it actually changed. Without --watch every declared field is watched.
Sources and the watch file are not used.

Example:
  storebox dispatch -c store.yaml addItem addItem toggleTheme
  storebox dispatch -c store.yaml --watch items removeItem`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDispatch,
}

func init() {
	rootCmd.AddCommand(dispatchCmd)

	dispatchCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	dispatchCmd.Flags().StringSliceP("watch", "w", nil, "field to print notifications for (repeatable)")
	_ = dispatchCmd.MarkFlagRequired("config")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	watch, _ := cmd.Flags().GetStringSlice("watch")

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// only store errors reach the log; notifications go to stdout
	st, err := config.BuildStore(cfg, newLogger(slog.LevelWarn))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	if len(watch) == 0 {
		watch = st.GetState().Fields()
		sort.Strings(watch)
	}
	for _, f := range watch {
		if _, ok := cfg.State[f]; !ok {
			return fmt.Errorf("watch: field %q is not declared in state", f)
		}
	}

	out := cmd.OutOrStdout()
	for _, f := range watch {
		field := f
		st.Subscribe(storebox.Field(field), func(v any) {
			fmt.Fprintf(out, "  %s: %s\n", field, inline(v))
		})
	}

	for _, name := range args {
		fmt.Fprintf(out, "%s\n", name)
		if err := st.Dispatch(name); err != nil {
			return fmt.Errorf("dispatch %s: %w", name, err)
		}
	}

	fmt.Fprintf(out, "\nfinal state:\n")
	return writeState(out, st.GetState())
}

// inline renders a value on one line.
func inline(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// writeState prints state as an indented YAML mapping with sorted keys.
func writeState(w io.Writer, state storebox.State) error {
	fields := state.Fields()
	sort.Strings(fields)

	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, f := range fields {
		var value yaml.Node
		if err := value.Encode(state[f]); err != nil {
			return fmt.Errorf("encode field %s: %w", f, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: f},
			&value,
		)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return enc.Close()
}
