package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"github.com/burrowmls/burrow/internal/appctx"
	"github.com/burrowmls/burrow/internal/group"
	"github.com/burrowmls/burrow/internal/relay"
	"github.com/burrowmls/burrow/internal/wireevent"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run connected to relays, processing every known group and incoming welcomes until interrupted",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, err := loadContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	ctx.Relays.Connect(runCtx)

	records, err := group.ListGroups(ctx.Store)
	if err != nil {
		return err
	}

	welcomeSub, err := ctx.Relays.Subscribe(runCtx, nostr.Filter{
		Kinds: []int{wireevent.KindSealedEnvelope},
		Tags:  nostr.TagMap{"p": []string{ctx.Identity.PublicKeyHex}},
	})
	if err != nil {
		return err
	}
	go handleWelcomeEnvelopes(ctx, welcomeSub)

	for _, record := range records {
		eng, err := ctx.LoadGroup(record.ProtocolGroupID)
		if err != nil {
			continue
		}
		sub, err := ctx.Relays.Subscribe(runCtx, nostr.Filter{
			Kinds: []int{wireevent.KindGroupMessage},
			Tags:  nostr.TagMap{"h": []string{record.RoutingGroupID}},
		})
		if err != nil {
			continue
		}
		go handleGroupEvents(ctx, eng, sub)
	}

	<-runCtx.Done()
	return nil
}

func handleGroupEvents(ctx *appctx.Context, eng *group.Engine, sub *relay.Subscription) {
	for outer := range sub.Events() {
		if _, err := processInbound(ctx, eng, outer); err != nil {
			continue
		}
	}
}

func handleWelcomeEnvelopes(ctx *appctx.Context, sub *relay.Subscription) {
	for outer := range sub.Events() {
		if _, err := ctx.Welcomes.Process(outer.ID, outer, ctx.Identity.PrivateKeyHex); err != nil {
			continue
		}
	}
}
