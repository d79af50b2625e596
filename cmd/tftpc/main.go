// Command tftpc is a minimal TFTP client exposing the client_reader and
// client_writer roles (spec.md §4.4) as "get" and "put" subcommands, the
// same job the teacher's cmd/client does against gotftp.Client but against
// the generalized tftp.Client and a cobra CLI surface.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eahydra/gotftp/tftp"
)

var (
	serverAddr string
	blockSize  uint16
	timeoutMs  int
	retries    int
	mode       string
)

func main() {
	root := &cobra.Command{
		Use:   "tftpc",
		Short: "Transfer files over TFTP",
	}
	root.PersistentFlags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:69", "TFTP server address")
	root.PersistentFlags().Uint16Var(&blockSize, "blksize", tftp.DefaultBlockSize, "requested block size (RFC 2348)")
	root.PersistentFlags().IntVar(&timeoutMs, "timeout-ms", tftp.DefaultTimeoutMs, "per-block retry timeout in milliseconds")
	root.PersistentFlags().IntVar(&retries, "retries", tftp.DefaultRetries, "retransmission attempts before giving up")
	root.PersistentFlags().StringVar(&mode, "mode", tftp.ModeOctet, "transfer mode (octet or netascii)")

	root.AddCommand(getCmd(), putCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tftpc:", err)
		os.Exit(1)
	}
}

func newClient() (*tftp.Client, error) {
	cfg := tftp.Config{BlockSize: blockSize, TimeoutMs: timeoutMs, Retries: retries}
	c, err := tftp.NewClient(serverAddr, cfg)
	if err != nil {
		return nil, err
	}
	c.Log = logrus.NewEntry(logrus.StandardLogger())
	return c, nil
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-file> <local-file>",
		Short: "Download a file from the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer out.Close()

			n, err := c.Get(context.Background(), args[0], mode, func(payload []byte) error {
				_, werr := out.Write(payload)
				return werr
			})
			if err != nil {
				return err
			}
			fmt.Printf("received %d bytes\n", n)
			return nil
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-file> <remote-file>",
		Short: "Upload a file to the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			n, err := c.Put(context.Background(), args[1], mode, func(buf []byte) (int, error) {
				n, rerr := io.ReadFull(in, buf)
				if rerr == io.ErrUnexpectedEOF || rerr == io.EOF {
					return n, nil
				}
				return n, rerr
			})
			if err != nil {
				return err
			}
			fmt.Printf("sent %d bytes\n", n)
			return nil
		},
	}
}
