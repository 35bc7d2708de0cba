package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/marmos91/dittovcs/pkg/smart"
	"github.com/marmos91/dittovcs/pkg/smart/medium"
	"github.com/spf13/cobra"
)

func newCallCmd() *cobra.Command {
	var (
		bodyFile string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <host:port> <verb> [args...]",
		Short: "Send one request to a smart server",
		Long: `Send one request to a running smart server and print the response.

The response arguments are printed on the first line, separated by tabs,
followed by the response body if there is one. A failure response exits
with a non-zero status.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			client, err := medium.Dial(ctx, args[0])
			if err != nil {
				return err
			}
			defer client.Close()

			var body []byte
			if bodyFile != "" {
				if body, err = os.ReadFile(bodyFile); err != nil {
					return fmt.Errorf("read body: %w", err)
				}
			}

			request := args[1:]
			var resp *smart.Response
			if bodyFile != "" {
				resp, err = client.CallWithBody(ctx, body, request...)
			} else {
				resp, err = client.Call(ctx, request...)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, strings.Join(resp.Args, "\t"))
			if len(resp.Body) > 0 {
				if _, err := out.Write(resp.Body); err != nil {
					return err
				}
			}
			if !resp.Success {
				return fmt.Errorf("%s failed: %s", request[0], strings.Join(resp.Args, " "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bodyFile, "body", "", "send the contents of this file as the request body")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "time allowed for the request")
	return cmd
}
