// cmd/gateway/tools.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"iot-trust-gateway/internal/auth"
	"iot-trust-gateway/internal/canonical"
	"iot-trust-gateway/internal/data"
	"iot-trust-gateway/internal/envelope"
	"iot-trust-gateway/internal/replay"
	"iot-trust-gateway/internal/secevent"
	"iot-trust-gateway/internal/signing"
)

const publishTimeout = 10 * time.Second

var errInvalidSignature = errors.New("signature invalid")

func readFields(r io.Reader) (data.Fields, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return data.Decode(raw)
}

func writeEnvelope(w io.Writer, env envelope.Envelope) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}

func requireCodec() (*envelope.Codec, error) {
	codec, err := newCodec(cfg)
	if err != nil {
		return nil, err
	}
	if codec == nil {
		return nil, errors.New("security.encryption_key is not configured")
	}
	return codec, nil
}

func signCmd() *cobra.Command {
	var (
		deviceID   string
		timestamp  float64
		encrypt    bool
		exchange   string
		routingKey string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a reading read from stdin",
		Long:  "Sign a JSON reading read from stdin as --device and print the envelope, or publish it with --publish.",
		RunE: func(cmd *cobra.Command, args []string) error {
			reading, err := readFields(cmd.InOrStdin())
			if err != nil {
				return err
			}
			signer := signing.NewSigner(cfg.Registry())
			var signed data.Fields
			if cmd.Flags().Changed("timestamp") {
				signed, err = signer.SignAt(reading, deviceID, timestamp)
			} else {
				signed, err = signer.Sign(reading, deviceID)
			}
			if err != nil {
				return err
			}

			env := envelope.Signed(signed)
			if encrypt {
				codec, err := requireCodec()
				if err != nil {
					return err
				}
				sealed, err := codec.Encrypt(signed)
				if err != nil {
					return err
				}
				env = envelope.Sealed(sealed)
			}

			if exchange == "" {
				return writeEnvelope(cmd.OutOrStdout(), env)
			}
			body, err := envelope.Encode(env)
			if err != nil {
				return err
			}
			return publish(cmd.Context(), exchange, routingKey, body)
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID to sign as (required)")
	cmd.Flags().Float64Var(&timestamp, "timestamp", 0, "Timestamp in seconds since epoch (default now)")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "Encrypt the signed envelope")
	cmd.Flags().StringVar(&exchange, "publish", "", "Publish to this exchange instead of printing")
	cmd.Flags().StringVar(&routingKey, "routing-key", "", "Routing key used with --publish")
	cmd.MarkFlagRequired("device") //nolint:errcheck
	return cmd
}

func publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	dial := newDialer(cfg)
	if dial == nil {
		return fmt.Errorf("broker.driver is %q; nothing to publish to", cfg.Broker.Driver)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	broker, err := dial(ctx)
	if err != nil {
		return err
	}
	defer broker.Close() //nolint:errcheck

	if err := broker.Publish(ctx, exchange, routingKey, body); err != nil {
		return fmt.Errorf("publish to %s: %w", exchange, err)
	}
	fmt.Fprintf(os.Stderr, "Published %d bytes to %s (%s)\n", len(body), exchange, routingKey)
	return nil
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the signature and freshness of an envelope read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			env, err := envelope.Parse(raw)
			if err != nil {
				return err
			}
			fields := env.Fields
			if env.Kind == envelope.KindEncrypted {
				codec, err := requireCodec()
				if err != nil {
					return err
				}
				if fields, err = codec.Decrypt(env.Sealed); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			ok, verr := signing.NewVerifier(cfg.Registry()).Verify(fields)
			switch {
			case verr != nil:
				fmt.Fprintf(out, "signature: invalid (%v)\n", verr)
			case ok:
				fmt.Fprintln(out, "signature: valid")
			default:
				fmt.Fprintln(out, "signature: invalid")
			}

			v := replay.NewGuard(cfg.Security.ReplayWindow, cfg.Security.ClockSkew).Check(fields)
			switch {
			case !v.HasTimestamp:
				fmt.Fprintln(out, "timestamp: missing")
			case v.Future:
				fmt.Fprintf(out, "timestamp: %s is in the future\n", canonical.FormatFloat(v.Timestamp))
			case v.Recent:
				fmt.Fprintf(out, "timestamp: fresh (age %s)\n", v.Age.Round(time.Millisecond))
			default:
				fmt.Fprintf(out, "timestamp: stale (age %s)\n", v.Age.Round(time.Millisecond))
			}

			if !ok {
				return errInvalidSignature
			}
			return nil
		},
	}
}

func encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a signed envelope read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := requireCodec()
			if err != nil {
				return err
			}
			fields, err := readFields(cmd.InOrStdin())
			if err != nil {
				return err
			}
			sealed, err := codec.Encrypt(fields)
			if err != nil {
				return err
			}
			return writeEnvelope(cmd.OutOrStdout(), envelope.Sealed(sealed))
		},
	}
}

func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt an encrypted envelope read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := requireCodec()
			if err != nil {
				return err
			}
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			env, err := envelope.Parse(raw)
			if err != nil {
				return err
			}
			if env.Kind != envelope.KindEncrypted {
				return fmt.Errorf("input is a %s envelope, not encrypted", env.Kind)
			}
			fields, err := codec.Decrypt(env.Sealed)
			if err != nil {
				return err
			}
			return writeEnvelope(cmd.OutOrStdout(), envelope.Classify(fields))
		},
	}
}

func eventsCmd() *cobra.Command {
	var (
		kind     string
		deviceID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List security events stored in security.event_db",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Security.EventDB == "" {
				return errors.New("security.event_db is not configured")
			}
			k := secevent.Kind(strings.ToUpper(kind))
			if k != "" && !k.Valid() {
				return fmt.Errorf("unknown event kind %q", kind)
			}
			db, err := secevent.OpenSQLiteSink(cfg.Security.EventDB)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck

			events, err := db.Query(cmd.Context(), k, deviceID, limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No security events found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tSOURCE\tDEVICE\tDETAILS")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(secevent.TimeLayout), e.Kind, e.Source, e.DeviceID, e.Details)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Only events of this kind")
	cmd.Flags().StringVar(&deviceID, "device", "", "Only events for this device")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for auth.users",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				password = strings.TrimRight(string(raw), "\r\n")
			}
			if password == "" {
				return errors.New("empty password")
			}
			hash, err := auth.HashPassword(password, cfg.Auth.BcryptCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
