package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"go-tankring/protocol"
	"go-tankring/secure"
	"go-tankring/transport"

	"github.com/eiannone/keyboard"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var errTimeout = errors.New("broker did not answer in time")

// client is a short-lived secure connection to the broker for operator
// commands.
type client struct {
	channel *secure.Channel
	broker  netip.AddrPort
}

func dialBroker(broker string) (*client, error) {
	var brokerAddr, err = netip.ParseAddrPort(broker)
	if err != nil {
		return nil, fmt.Errorf("invalid broker address %q: %w", broker, err)
	}

	endpoint, err := transport.ListenUDP(netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	if err != nil {
		return nil, err
	}

	channel, err := secure.NewChannel(endpoint, secure.WithPollInterval(50*time.Millisecond))
	if err != nil {
		_ = endpoint.Close()
		return nil, err
	}

	return &client{channel: channel, broker: brokerAddr}, nil
}

func (c *client) Close() error {
	return c.channel.Close()
}

// send delivers msg and waits until it has left sealed, which needs one
// key exchange round trip on a fresh channel.
func (c *client) send(ctx context.Context, msg protocol.Message) error {
	if err := c.channel.Send(c.broker, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Kind(), err)
	}

	for !c.channel.Established(c.broker) {
		if _, _, err := c.channel.Receive(ctx); err != nil {
			if ctx.Err() != nil {
				return errTimeout
			}
			return fmt.Errorf("failed to receive: %w", err)
		}
	}
	return nil
}

// await returns the first message from the broker that accept takes.
func (c *client) await(ctx context.Context, accept func(protocol.Message) bool) (protocol.Message, error) {
	for {
		var in, ok, err = c.channel.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errTimeout
			}
			return nil, fmt.Errorf("failed to receive: %w", err)
		}
		if ok && in.From == c.broker && accept(in.Message) {
			return in.Message, nil
		}
	}
}

func newPoisonCmd() *cobra.Command {
	var (
		broker  string
		yes     bool
		timeout time.Duration
	)

	var cmd = &cobra.Command{
		Use:   "poison",
		Short: "Shut a broker down",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Printf("Shut down the broker at %s? [y/N] ", broker)
				var char, _, err = keyboard.GetSingleKey()
				fmt.Println()
				if err != nil {
					return fmt.Errorf("failed to read confirmation: %w", err)
				}
				if char != 'y' && char != 'Y' {
					fmt.Println("Aborted")
					return nil
				}
			}

			var c, err = dialBroker(broker)
			if err != nil {
				return err
			}
			defer c.Close()

			var ctx, cancel = context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := c.send(ctx, protocol.Poison{}); err != nil {
				return err
			}
			fmt.Printf("✓ Poison delivered to %s\n", broker)
			return nil
		},
	}

	cmd.Flags().StringVar(&broker, "broker", "127.0.0.1:4711", "Broker address")
	cmd.Flags().BoolVar(&yes, "yes", false, "Do not ask for confirmation")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "How long to wait for the key exchange")

	return cmd
}

func newResolveCmd() *cobra.Command {
	var (
		broker  string
		timeout time.Duration
	)

	var cmd = &cobra.Command{
		Use:   "resolve <member-id>",
		Short: "Look up the address of a ring member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c, err = dialBroker(broker)
			if err != nil {
				return err
			}
			defer c.Close()

			var ctx, cancel = context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var request = protocol.NameResolutionRequest{
				TargetID:  strings.TrimSpace(args[0]),
				RequestID: uuid.NewString(),
			}
			if err := c.send(ctx, request); err != nil {
				return err
			}

			reply, err := c.await(ctx, func(msg protocol.Message) bool {
				var response, ok = msg.(protocol.NameResolutionResponse)
				return ok && response.RequestID == request.RequestID
			})
			if err != nil {
				return err
			}

			var addr = reply.(protocol.NameResolutionResponse).Addr
			if !addr.IsValid() {
				fmt.Fprintf(os.Stderr, "%s is not a member\n", request.TargetID)
				return fmt.Errorf("unknown member %s", request.TargetID)
			}
			fmt.Println(addr)
			return nil
		},
	}

	cmd.Flags().StringVar(&broker, "broker", "127.0.0.1:4711", "Broker address")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "How long to wait for the answer")

	return cmd
}
