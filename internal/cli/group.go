package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/burrowmls/burrow/internal/group"
	"github.com/burrowmls/burrow/internal/mls"
)

var (
	groupCreateName        string
	groupCreateDescription string
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Create and inspect MLS groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <group-id>",
	Short: "Create a new MLS group with the local identity as sole member and admin",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupCreate,
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every group with local state",
	RunE:  runGroupList,
}

func init() {
	groupCreateCmd.Flags().StringVar(&groupCreateName, "name", "", "group display name")
	groupCreateCmd.Flags().StringVar(&groupCreateDescription, "description", "", "group description")
	groupCmd.AddCommand(groupCreateCmd, groupListCmd)
}

func runGroupCreate(cmd *cobra.Command, args []string) error {
	groupID := args[0]
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	name := groupCreateName
	if name == "" {
		name = groupID
	}

	keys, err := mls.GenerateKeys()
	if err != nil {
		return fmt.Errorf("generating MLS leaf keys: %w", err)
	}

	eng, err := group.Create(ctx.Store, groupID, name, groupCreateDescription,
		[]string{ctx.Identity.PublicKeyHex}, ctx.Config.Relays,
		[]byte(ctx.Identity.PublicKeyHex), keys)
	if err != nil {
		return fmt.Errorf("creating group: %w", err)
	}
	if err := ctx.SaveLeafKey(groupID, keys.SigPriv); err != nil {
		return fmt.Errorf("saving leaf key: %w", err)
	}
	ctx.RegisterGroup(eng)

	fmt.Printf("Created group %q (%s)\n", name, groupID)
	fmt.Printf("  epoch: %d\n", eng.Epoch())
	fmt.Printf("  members: %v\n", eng.Record().Members)
	return nil
}

func runGroupList(cmd *cobra.Command, args []string) error {
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	records, err := group.ListGroups(ctx.Store)
	if err != nil {
		return fmt.Errorf("listing groups: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No groups.")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s\t%s\tepoch=%d\tmembers=%d\n", r.ProtocolGroupID, r.Name, r.Epoch, len(r.Members))
	}
	return nil
}
