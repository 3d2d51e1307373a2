package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaykit/relay/pkg/client"
)

var (
	emitServer  string
	emitSession string
	emitRequest string
)

var emitCmd = &cobra.Command{
	Use:   "emit <json-payload>",
	Short: "Publish an event to a session",
	Long: `Publish one event to a session's standalone channel, or to a
request-correlated channel when --request is given. Prints the assigned
sequence id.`,
	Args: cobra.ExactArgs(1),
	RunE: runEmit,
}

func init() {
	emitCmd.Flags().StringVarP(&emitServer, "server", "s", "http://127.0.0.1:8484", "Relay server URL")
	emitCmd.Flags().StringVar(&emitSession, "session", "", "Session id (required)")
	emitCmd.Flags().StringVar(&emitRequest, "request", "", "Request id for a correlated channel")
	emitCmd.MarkFlagRequired("session")
}

func runEmit(cmd *cobra.Command, args []string) error {
	payload := json.RawMessage(args[0])
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}

	c := client.NewWithSession(emitServer, emitSession)

	ctx := cmd.Context()
	var (
		seq uint64
		err error
	)
	if emitRequest != "" {
		seq, err = c.EmitRequest(ctx, emitRequest, payload)
	} else {
		seq, err = c.Emit(ctx, payload)
	}
	if err != nil {
		return err
	}

	fmt.Printf("sequence id: %d\n", seq)
	return nil
}
