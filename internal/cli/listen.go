package cli

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"github.com/burrowmls/burrow/internal/wireevent"
)

var listenCmd = &cobra.Command{
	Use:   "listen <group-id>",
	Short: "Connect to relays and print messages for a single group as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE:  runListen,
}

func runListen(cmd *cobra.Command, args []string) error {
	groupID := args[0]
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	eng, err := ctx.LoadGroup(groupID)
	if err != nil {
		return fmt.Errorf("loading group: %w", err)
	}

	background := context.Background()
	ctx.Relays.Connect(background)

	sub, err := ctx.Relays.Subscribe(background, nostr.Filter{
		Kinds: []int{wireevent.KindGroupMessage},
		Tags:  nostr.TagMap{"h": []string{eng.Record().RoutingGroupID}},
	})
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer sub.Close()

	fmt.Printf("Listening on %s (routing id %s). Ctrl-C to stop.\n", groupID, eng.Record().RoutingGroupID)
	for outer := range sub.Events() {
		result, err := processInbound(ctx, eng, outer)
		if err != nil {
			fmt.Printf("error processing event %s: %v\n", outer.ID, err)
			continue
		}
		if result.Message != nil {
			fmt.Printf("%s: %s\n", result.Message.Author, result.Message.Content)
		}
	}
	return nil
}
