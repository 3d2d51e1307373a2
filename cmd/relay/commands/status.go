package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaykit/relay/pkg/types"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running relay server",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusServer, "server", "s", "http://127.0.0.1:8484", "Relay server URL")
}

func runStatus(cmd *cobra.Command, args []string) error {
	hc := &http.Client{Timeout: 10 * time.Second}
	resp, err := hc.Get(statusServer + "/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s", resp.Status)
	}

	var status types.StatusInfo
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}

	fmt.Printf("sessions:          %d\n", status.Sessions)
	fmt.Printf("channels:          %d\n", status.Channels)
	fmt.Printf("events published:  %d\n", status.EventsPublished)
	fmt.Printf("replay gaps:       %d\n", status.ReplayGaps)
	return nil
}
