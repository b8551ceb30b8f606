package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/burrowmls/burrow/internal/message"
)

var sendCmd = &cobra.Command{
	Use:   "send <group-id> <text>",
	Short: "Send an application message to a group",
	Args:  cobra.ExactArgs(2),
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	groupID, text := args[0], args[1]
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	if !ctx.ACL.EvaluateOutbound(ctx.Identity.PublicKeyHex, groupID) {
		return fmt.Errorf("sending to group %s is denied by local access control policy", groupID)
	}

	eng, err := ctx.LoadGroup(groupID)
	if err != nil {
		return fmt.Errorf("loading group: %w", err)
	}

	mu := ctx.GroupMutex(groupID)
	mu.Lock()
	defer mu.Unlock()

	outer, _, err := ctx.Messages.Send(eng, ctx.Identity.PublicKeyHex, message.KindApplicationMessage, text, nil)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	if _, err := ctx.Relays.Publish(context.Background(), outer); err != nil {
		return fmt.Errorf("publishing message: %w", err)
	}
	fmt.Println("sent")
	return nil
}
