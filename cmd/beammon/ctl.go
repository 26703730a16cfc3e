package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	ctlAddr string
	ctlWait time.Duration
)

var ctlCmd = &cobra.Command{
	Use:   "ctl [command...]",
	Short: "Send commands to a running daemon and print the replies",
	Long: `Send each argument as one command and print replies until none arrive
for --wait. Without arguments, commands are read from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := net.DialTimeout("tcp", ctlAddr, 5*time.Second)
		if err != nil {
			return fmt.Errorf("connect %s: %w", ctlAddr, err)
		}
		defer conn.Close()

		if len(args) == 0 {
			go func() {
				_, _ = io.Copy(conn, os.Stdin)
				// Keep reading replies for --wait after stdin ends.
				if ctlWait > 0 {
					_ = conn.SetReadDeadline(time.Now().Add(ctlWait))
				}
			}()
			return printReplies(cmd.OutOrStdout(), conn, 0)
		}
		for _, c := range args {
			if _, err := fmt.Fprintln(conn, c); err != nil {
				return err
			}
		}
		return printReplies(cmd.OutOrStdout(), conn, ctlWait)
	},
}

func init() {
	ctlCmd.Flags().StringVar(&ctlAddr, "addr", "localhost:5000", "Command channel address")
	ctlCmd.Flags().DurationVar(&ctlWait, "wait", 2*time.Second, "Stop after this long without a reply (0 waits forever)")
}

// printReplies copies reply lines to w until the connection closes or no
// line arrives within idle.
func printReplies(w io.Writer, conn net.Conn, idle time.Duration) error {
	r := bufio.NewReader(conn)
	for {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}
		line, err := r.ReadString('\n')
		if line != "" {
			fmt.Fprintln(w, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			var ne net.Error
			if errors.Is(err, io.EOF) || (errors.As(err, &ne) && ne.Timeout()) {
				return nil
			}
			return err
		}
	}
}
