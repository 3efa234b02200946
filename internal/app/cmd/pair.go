package cmd

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"companion-gateway/internal/pairing"
)

var (
	pairCompanion string
	pairDevice    string
	pairSSID      string
	pairPassword  string
	pairMTU       int
)

// pairCmd 模拟伴侣端：申请配对码并加密配网载荷
var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Issue a pairing code and seal the provisioning packet",
	Long: `Act as the companion app: request pairing material for a device, then seal
the network credentials into the encrypted packet written to the device over
the short-range channel.

Example:
  companion-gateway pair --companion child-42 --device teddy-001 --ssid home --password secret`,
	RunE: runPair,
}

func init() {
	pairCmd.Flags().StringVar(&pairCompanion, "companion", "", "Companion (child) identifier")
	pairCmd.Flags().StringVar(&pairDevice, "device", "", "Device identifier")
	pairCmd.Flags().StringVar(&pairSSID, "ssid", "", "Network SSID")
	pairCmd.Flags().StringVar(&pairPassword, "password", "", "Network password")
	pairCmd.Flags().IntVar(&pairMTU, "mtu", 0, "Negotiated transfer size; packets larger than this are chunked")
	_ = pairCmd.MarkFlagRequired("companion")
	_ = pairCmd.MarkFlagRequired("device")
	_ = pairCmd.MarkFlagRequired("ssid")
}

func runPair(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var material pairing.Material
	err := callAPI(ctx, http.MethodPost, joinURL(gatewayURL, "/v1/pairing"), map[string]string{
		"companion_id": pairCompanion,
		"device_id":    pairDevice,
	}, &material)
	if err != nil {
		return err
	}

	var sealed pairing.Sealed
	err = callAPI(ctx, http.MethodPost, joinURL(gatewayURL, "/v1/pairing/"+url.PathEscape(material.Code)+"/seal"),
		pairing.NetworkCredentials{SSID: pairSSID, Password: pairPassword}, &sealed)
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "  %s pairing material sealed\n", colorOK("✓"))
	printRow(out, "Pairing Code", material.Code)
	printRow(out, "Device", sealed.DeviceID)
	printRow(out, "Companion", sealed.CompanionID)
	printRow(out, "Expires", material.ExpiresAt.Format(time.RFC3339))
	printRow(out, "Key", base64.StdEncoding.EncodeToString(material.Key))
	printRow(out, "Packet", base64.StdEncoding.EncodeToString(sealed.Packet))

	if pairMTU > 0 {
		chunks, err := pairing.Chunk(sealed.Packet, pairMTU)
		if err != nil {
			return err
		}
		printRow(out, "Chunks", fmt.Sprintf("%d x <= %d bytes", len(chunks), pairMTU))
	}
	fmt.Fprintln(out)
	return nil
}
