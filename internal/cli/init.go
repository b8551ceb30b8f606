package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/burrowmls/burrow/internal/appstate"
	"github.com/burrowmls/burrow/internal/config"
	"github.com/burrowmls/burrow/internal/identity"
	"github.com/burrowmls/burrow/internal/store"
)

var initEncrypt bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a Nostr identity and initialize the Burrow data directory",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initEncrypt, "encrypt", false, "encrypt the identity key with a passphrase")
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, err := resolveDataDir()
	if err != nil {
		return err
	}
	idPath := identityPath(dataDir)
	if _, err := identity.LoadFromFile(idPath, nil); err == nil {
		return fmt.Errorf("identity already exists at %s", idPath)
	}

	id, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("generating identity: %w", err)
	}

	var passphrase []byte
	if initEncrypt {
		passphrase, err = promptPassphrase(true)
		if err != nil {
			return err
		}
	}

	cfg := config.DefaultConfig(dataDir)
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := id.SaveToFile(idPath, passphrase); err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}

	dbKey, err := id.DBKey("mls-store")
	if err != nil {
		return err
	}
	st, err := store.Open(filepath.Join(dataDir, "burrow.db"), dbKey)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	appState, err := appstate.Open(filepath.Join(dataDir, "app_state.db"))
	if err != nil {
		return fmt.Errorf("opening app state: %w", err)
	}
	defer appState.Close()

	fmt.Printf("Initialized burrow identity in %s\n", dataDir)
	fmt.Printf("  npub (hex): %s\n", id.PublicKeyHex)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  burrow group create <group-id> --name \"my group\"")
	fmt.Println("  burrow invite <group-id> <member-pubkey>")
	fmt.Println("  burrow daemon")
	return nil
}
