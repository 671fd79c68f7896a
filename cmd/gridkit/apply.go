package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridkit/gridkit/internal/config"
	"github.com/gridkit/gridkit/internal/rpc"
)

func newApplyCmd() *cobra.Command {
	var fromFile string
	cmd := &cobra.Command{
		Use:   "apply [json-user-actions]",
		Short: "Apply a JSON list of user actions to the running daemon",
		Long: `Apply sends user actions to the daemon and prints the resulting action
group. Actions are a JSON list of envelopes, e.g.:

  gridkit apply '[["AddRecord", "Tasks", null, {"title": "write docs"}]]'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			switch {
			case fromFile == "-":
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				raw = data
			case fromFile != "":
				data, err := os.ReadFile(fromFile)
				if err != nil {
					return err
				}
				raw = data
			case len(args) == 1:
				raw = []byte(args[0])
			default:
				return fmt.Errorf("provide actions as an argument or with --file")
			}

			var envelopes []json.RawMessage
			if err := json.Unmarshal(raw, &envelopes); err != nil {
				return fmt.Errorf("parsing user actions: %w", err)
			}

			client, err := dialDaemon()
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.Call(rpc.Request{Op: rpc.OpApply, Actions: envelopes})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVarP(&fromFile, "file", "f", "", "read actions from a file ('-' for stdin)")
	return cmd
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the document schema as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialDaemon()
			if err != nil {
				return err
			}
			defer client.Close()
			result, err := client.Call(rpc.Request{Op: rpc.OpSchema})
			if err != nil {
				return err
			}
			var text string
			if err := json.Unmarshal(result, &text); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
}

func dialDaemon() (*rpc.Client, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	socket := cfg.Socket
	if flagSocket != "" {
		socket = flagSocket
	}
	return rpc.Dial(socket, 5*time.Second)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(buf)
}
