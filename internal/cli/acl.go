package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var aclAuditLimit int

var aclCmd = &cobra.Command{
	Use:   "acl",
	Short: "Inspect and edit the local access-control policy",
}

var aclShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current owner, contact allowlist, and group allowlist",
	RunE:  runACLShow,
}

var aclAddContactCmd = &cobra.Command{
	Use:   "add-contact <pubkey-hex>",
	Args:  cobra.ExactArgs(1),
	RunE:  runACLAddContact,
}

var aclRemoveContactCmd = &cobra.Command{
	Use:   "remove-contact <pubkey-hex>",
	Args:  cobra.ExactArgs(1),
	RunE:  runACLRemoveContact,
}

var aclAddGroupCmd = &cobra.Command{
	Use:   "add-group <group-id>",
	Args:  cobra.ExactArgs(1),
	RunE:  runACLAddGroup,
}

var aclRemoveGroupCmd = &cobra.Command{
	Use:   "remove-group <group-id>",
	Args:  cobra.ExactArgs(1),
	RunE:  runACLRemoveGroup,
}

var aclAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print the access-control audit log",
	RunE:  runACLAudit,
}

func init() {
	aclAuditCmd.Flags().IntVar(&aclAuditLimit, "limit", 50, "maximum number of entries to print: the most recent ones, oldest first")
	aclCmd.AddCommand(aclShowCmd, aclAddContactCmd, aclRemoveContactCmd, aclAddGroupCmd, aclRemoveGroupCmd, aclAuditCmd)
}

func runACLShow(cmd *cobra.Command, args []string) error {
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	cfg := ctx.ACL.Config()
	fmt.Printf("owner: %s\n", cfg.OwnerHex)
	fmt.Printf("contacts: %v\n", cfg.AllowedContacts)
	fmt.Printf("groups: %v\n", cfg.AllowedGroups)
	return nil
}

func runACLAddContact(cmd *cobra.Command, args []string) error {
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()
	if err := ctx.ACL.AddContact(args[0]); err != nil {
		return fmt.Errorf("adding contact: %w", err)
	}
	fmt.Println("added")
	return nil
}

func runACLRemoveContact(cmd *cobra.Command, args []string) error {
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()
	removed, err := ctx.ACL.RemoveContact(args[0])
	if err != nil {
		return fmt.Errorf("removing contact: %w", err)
	}
	if !removed {
		fmt.Println("not present")
		return nil
	}
	fmt.Println("removed")
	return nil
}

func runACLAddGroup(cmd *cobra.Command, args []string) error {
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()
	if err := ctx.ACL.AddGroup(args[0]); err != nil {
		return fmt.Errorf("adding group: %w", err)
	}
	fmt.Println("added")
	return nil
}

func runACLRemoveGroup(cmd *cobra.Command, args []string) error {
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()
	removed, err := ctx.ACL.RemoveGroup(args[0])
	if err != nil {
		return fmt.Errorf("removing group: %w", err)
	}
	if !removed {
		fmt.Println("not present")
		return nil
	}
	fmt.Println("removed")
	return nil
}

func runACLAudit(cmd *cobra.Command, args []string) error {
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	entries, err := ctx.ACL.AuditLog(aclAuditLimit)
	if err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}
	for _, e := range entries {
		fmt.Printf("%s\tallowed=%t\tsender=%s\tgroup=%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Allowed, e.SenderPubkey, e.GroupID, e.Details)
	}
	return nil
}
