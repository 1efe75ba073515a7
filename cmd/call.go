/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ifrelay/pkg/gadget"
	"ifrelay/pkg/rpc"

	"github.com/spf13/cobra"
)

var (
	callURL     string
	callFrame   string
	callToken   string
	callPoll    bool
	callNotify  bool
	callTimeout time.Duration
)

// callCmd represents the call command
var callCmd = &cobra.Command{
	Use:   "call <procedure> [args...]",
	Short: "Call a container procedure as a gadget frame",
	Long:  "Connects to a running container as a gadget frame and calls one procedure. Arguments are parsed as JSON when possible and sent as strings otherwise.",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		procedure := strings.TrimSpace(args[0])
		callArgs := parseArgs(args[1:])

		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()

		client, err := gadget.Dial(ctx, gadget.DialOptions{
			BaseURL: callURL,
			FrameID: callFrame,
			Token:   callToken,
			Poll:    callPoll,
		}, rpc.WithTimeout(callTimeout))
		if err != nil {
			fmt.Printf("failed to connect to container: %v\n", err)
			return
		}
		defer client.Close()

		if callNotify {
			if err := client.Notify(procedure, callArgs...); err != nil {
				fmt.Printf("notify failed: %v\n", err)
			}
			return
		}

		result, err := client.Call(ctx, procedure, callArgs...)
		if err != nil {
			fmt.Printf("call failed: %v\n", err)
			return
		}

		fmt.Println(formatResult(result))
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVar(&callURL, "url", "http://127.0.0.1:18790", "container base URL")
	callCmd.Flags().StringVarP(&callFrame, "frame", "f", "", "gadget frame id, e.g. remote_iframe_42")
	callCmd.Flags().StringVarP(&callToken, "token", "t", "", "relay auth token of the gadget")
	callCmd.Flags().BoolVar(&callPoll, "poll", false, "use the long-poll transport instead of a WebSocket")
	callCmd.Flags().BoolVar(&callNotify, "notify", false, "send without waiting for a reply")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 10*time.Second, "how long to wait for the reply")
}

// parseArgs decodes each argument as JSON and keeps it as a string otherwise.
func parseArgs(args []string) []any {
	values := make([]any, 0, len(args))
	for _, arg := range args {
		var value any
		if err := json.Unmarshal([]byte(arg), &value); err != nil {
			values = append(values, arg)
			continue
		}
		values = append(values, value)
	}

	return values
}

func formatResult(result json.RawMessage) string {
	if len(result) == 0 {
		return "null"
	}

	var value any
	if err := json.Unmarshal(result, &value); err != nil {
		return string(result)
	}
	if text, ok := value.(string); ok {
		return text
	}

	return string(result)
}
