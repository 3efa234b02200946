package cmd

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/device"
	"companion-gateway/internal/pairing"
	"companion-gateway/internal/protocol/message"
	"companion-gateway/internal/security"
)

var (
	deviceID        string
	deviceSalt      string
	deviceSecretHex string
	deviceKey       string
	devicePacket    string
	deviceCompanion string
	deviceAudio     time.Duration
)

// deviceCmd 设备模拟器
var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run a simulated device",
	Long: `Run a simulated device: open the pairing packet, claim a session token and
keep a streaming session alive, reacting to close codes the way firmware does.

The device secret is normally burned in at manufacturing; the simulator derives
it from the server salt (--salt) or takes it directly (--secret).

Example:
  companion-gateway device --id teddy-001 --salt $SALT --key <base64> --packet <base64>
  companion-gateway device --id teddy-001 --salt $SALT --companion child-42 --audio 200ms`,
	RunE: runDevice,
}

func init() {
	deviceCmd.Flags().StringVar(&deviceID, "id", "", "Device identifier")
	deviceCmd.Flags().StringVar(&deviceSalt, "salt", "", "Server salt used to derive the device secret")
	deviceCmd.Flags().StringVar(&deviceSecretHex, "secret", "", "Device secret (hex), instead of --salt")
	deviceCmd.Flags().StringVar(&deviceKey, "key", "", "One-time pairing key (base64)")
	deviceCmd.Flags().StringVar(&devicePacket, "packet", "", "Sealed provisioning packet (base64)")
	deviceCmd.Flags().StringVar(&deviceCompanion, "companion", "", "Companion of an already provisioned device")
	deviceCmd.Flags().DurationVar(&deviceAudio, "audio", 0, "Send a synthetic audio chunk at this interval")
	_ = deviceCmd.MarkFlagRequired("id")
}

func deviceSecret() ([]byte, error) {
	if deviceSecretHex != "" {
		return hex.DecodeString(deviceSecretHex)
	}
	deriver, err := security.NewSecretDeriver([]byte(deviceSalt))
	if err != nil {
		return nil, err
	}
	return deriver.Derive(deviceID)
}

func runDevice(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	secret, err := deviceSecret()
	if err != nil {
		return err
	}
	dialer, err := device.NewWSDialer(gatewayURL)
	if err != nil {
		return err
	}

	var provisioned *pairing.Payload
	if deviceCompanion != "" {
		provisioned = &pairing.Payload{
			NetworkCredentials: pairing.NetworkCredentials{SSID: "preconfigured"},
			CompanionID:        deviceCompanion,
			PairingCode:        "-",
		}
	}

	var frames atomic.Uint64
	client, err := device.NewClient(device.Config{
		DeviceID:    deviceID,
		Secret:      secret,
		Auth:        device.NewHTTPAuthenticator(gatewayURL, nil),
		Dialer:      dialer,
		Provisioned: provisioned,
		Handler: func(msg message.ServerMessage, seq uint64) {
			switch m := msg.(type) {
			case message.Audio:
				frames.Add(1)
			case message.Alert:
				fmt.Fprintf(out, "  %s alert [%s] %s\n", colorWarn("!"), m.Level, m.Message)
			case message.Drain:
				fmt.Fprintf(out, "  %s drain: %s\n", colorWarn("↻"), m.Reason)
			}
		},
		OnStatus: func(s device.Status) {
			fmt.Fprintf(out, "  %s %s\n", statusMark(s), s)
		},
		Logger: corelog.Default(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			client.Stop()
		case <-ctx.Done():
		}
	}()

	if provisioned == nil {
		key, err := base64.StdEncoding.DecodeString(deviceKey)
		if err != nil {
			return coreerrors.Wrap(err, coreerrors.CodeInvalidRequest, "invalid --key")
		}
		packet, err := base64.StdEncoding.DecodeString(devicePacket)
		if err != nil {
			return coreerrors.Wrap(err, coreerrors.CodeInvalidRequest, "invalid --packet")
		}
		p, err := client.Provision(key, packet)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s provisioned for %s on %q\n", colorOK("✓"), p.CompanionID, p.NetworkCredentials.SSID)
	}

	if deviceAudio > 0 {
		go streamAudio(ctx, client, deviceAudio)
	}

	err = client.Run(ctx)
	fmt.Fprintf(out, "  %s stopped after %d downstream frames (last seq %d)\n",
		colorFaint("■"), frames.Load(), client.LastSeq())
	return err
}

// streamAudio 周期性上行一段静音，未连接时跳过
func streamAudio(ctx context.Context, client *device.Client, interval time.Duration) {
	chunk := make([]byte, 640)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if client.Status() == device.StatusActive {
				_ = client.Send(ctx, message.InboundAudio{Payload: chunk})
			}
		}
	}
}

func statusMark(s device.Status) string {
	switch s {
	case device.StatusActive:
		return colorOK("●")
	case device.StatusNeedsRepairing:
		return colorErr("●")
	case device.StatusBackingOff, device.StatusConnecting:
		return colorWarn("●")
	default:
		return colorFaint("○")
	}
}
