package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowmls/burrow/internal/mls"
)

var welcomeCmd = &cobra.Command{
	Use:   "welcome",
	Short: "List and respond to pending group welcomes",
}

var welcomeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List welcomes awaiting accept or decline",
	RunE:  runWelcomeList,
}

var welcomeAcceptCmd = &cobra.Command{
	Use:   "accept <welcome-id>",
	Short: "Join the group a pending welcome describes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWelcomeAccept,
}

var welcomeDeclineCmd = &cobra.Command{
	Use:   "decline <welcome-id>",
	Short: "Decline a pending welcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runWelcomeDecline,
}

func init() {
	welcomeCmd.AddCommand(welcomeListCmd, welcomeAcceptCmd, welcomeDeclineCmd)
}

func runWelcomeList(cmd *cobra.Command, args []string) error {
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	pending, err := ctx.Welcomes.ListPending()
	if err != nil {
		return fmt.Errorf("listing pending welcomes: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("No pending welcomes.")
		return nil
	}
	for _, w := range pending {
		when := time.Unix(w.ReceivedAt, 0).Format(time.RFC3339)
		fmt.Printf("%s\t%s (%s)\treceived %s\tadmins=%v\n", w.WelcomeID, w.Name, w.GroupID, when, w.Admins)
	}
	return nil
}

func runWelcomeAccept(cmd *cobra.Command, args []string) error {
	welcomeID := args[0]
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	keys, err := mls.GenerateKeys()
	if err != nil {
		return fmt.Errorf("generating MLS leaf keys: %w", err)
	}
	eng, err := ctx.Welcomes.Accept(welcomeID, keys)
	if err != nil {
		return fmt.Errorf("accepting welcome: %w", err)
	}
	record := eng.Record()
	if err := ctx.SaveLeafKey(record.ProtocolGroupID, keys.SigPriv); err != nil {
		return fmt.Errorf("saving leaf key: %w", err)
	}
	ctx.RegisterGroup(eng)

	fmt.Printf("Joined %q (%s) at epoch %d\n", record.Name, record.ProtocolGroupID, record.Epoch)
	return nil
}

func runWelcomeDecline(cmd *cobra.Command, args []string) error {
	welcomeID := args[0]
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	if err := ctx.Welcomes.Decline(welcomeID); err != nil {
		return fmt.Errorf("declining welcome: %w", err)
	}
	fmt.Println("declined")
	return nil
}
