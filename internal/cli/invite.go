package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"github.com/burrowmls/burrow/internal/keypackage"
	"github.com/burrowmls/burrow/internal/mls"
	"github.com/burrowmls/burrow/internal/welcome"
	"github.com/burrowmls/burrow/internal/wireevent"
)

const fetchKeyPackageTimeout = 10 * time.Second

var inviteCmd = &cobra.Command{
	Use:   "invite <group-id> <member-pubkey-hex>",
	Short: "Invite a member to a group: fetch their key package, commit, and seal a welcome",
	Args:  cobra.ExactArgs(2),
	RunE:  runInvite,
}

func runInvite(cmd *cobra.Command, args []string) error {
	groupID, memberHex := args[0], args[1]
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	eng, err := ctx.LoadGroup(groupID)
	if err != nil {
		return fmt.Errorf("loading group: %w", err)
	}

	mu := ctx.GroupMutex(groupID)
	mu.Lock()
	defer mu.Unlock()

	bg := context.Background()
	events, err := ctx.Relays.Fetch(bg, nostr.Filter{
		Kinds:   []int{wireevent.KindKeyPackage},
		Authors: []string{memberHex},
	}, fetchKeyPackageTimeout)
	if err != nil {
		return fmt.Errorf("fetching key package: %w", err)
	}
	kpEvent, err := keypackage.FetchNewest(events)
	if err != nil {
		return fmt.Errorf("no key package found for %s: %w", memberHex, err)
	}
	kp, err := keypackage.ParseEvent(kpEvent)
	if err != nil {
		return fmt.Errorf("parsing key package: %w", err)
	}

	pending, err := eng.ProposeAddMembers(ctx.Identity.PublicKeyHex, []mls.KeyPackageData{kp}, []string{memberHex})
	if err != nil {
		return fmt.Errorf("proposing add: %w", err)
	}
	commitBytes, err := pending.CommitBytes()
	if err != nil {
		return fmt.Errorf("serializing commit: %w", err)
	}

	record := eng.Record()
	outer, err := ctx.Messages.SendCommit(eng, ctx.Identity.PublicKeyHex, commitBytes)
	if err != nil {
		return fmt.Errorf("sealing commit: %w", err)
	}
	if _, err := ctx.Relays.Publish(bg, outer); err != nil {
		return fmt.Errorf("publishing commit: %w", err)
	}

	if len(pending.WelcomeBytes) == 0 {
		return fmt.Errorf("commit produced no welcome artefact for new member")
	}
	sealedWelcome, err := welcome.SealWelcomeBytes(kp.InitPub, pending.WelcomeBytes[0])
	if err != nil {
		return fmt.Errorf("sealing welcome artefact: %w", err)
	}
	rumor, err := welcome.BuildRumor(welcome.Payload{
		ProtocolGroupID:  record.ProtocolGroupID,
		Name:             record.Name,
		Description:      record.Description,
		Admins:           record.Admins,
		Relays:           record.Relays,
		Members:          append(append([]string{}, record.Members...), memberHex),
		EncryptedWelcome: sealedWelcome,
	})
	if err != nil {
		return fmt.Errorf("building welcome rumor: %w", err)
	}
	wrapped, err := wireevent.SealRumor(rumor, ctx.Identity.PrivateKeyHex, memberHex, nostr.Timestamp(time.Now().Unix()))
	if err != nil {
		return fmt.Errorf("sealing welcome envelope: %w", err)
	}
	if _, err := ctx.Relays.Publish(bg, wrapped); err != nil {
		return fmt.Errorf("publishing welcome: %w", err)
	}

	verified, err := ctx.Relays.VerifyPublished(bg, outer.ID)
	if err != nil {
		return fmt.Errorf("verifying commit publication: %w", err)
	}
	if !verified {
		return fmt.Errorf("commit %s was not confirmed by any relay; refusing to merge (state-fork avoidance)", outer.ID)
	}

	if err := eng.MergePending(); err != nil {
		return fmt.Errorf("merging pending commit: %w", err)
	}

	fmt.Printf("Invited %s to %s; group now at epoch %d\n", memberHex, groupID, eng.Epoch())
	return nil
}
