package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read <group-id>",
	Short: "Print every stored message for a group, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runRead,
}

func runRead(cmd *cobra.Command, args []string) error {
	groupID := args[0]
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	messages, err := ctx.Messages.List(groupID)
	if err != nil {
		return fmt.Errorf("listing messages: %w", err)
	}
	for _, m := range messages {
		when := time.Unix(m.CreatedAt, 0).Format(time.RFC3339)
		fmt.Printf("[%s] %s: %s\n", when, m.Author, m.Content)
	}
	return nil
}
