package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nbd-wtf/go-nostr"

	"github.com/burrowmls/burrow/internal/acl"
	"github.com/burrowmls/burrow/internal/appctx"
	"github.com/burrowmls/burrow/internal/appstate"
	"github.com/burrowmls/burrow/internal/config"
	"github.com/burrowmls/burrow/internal/group"
	"github.com/burrowmls/burrow/internal/identity"
	"github.com/burrowmls/burrow/internal/message"
	"github.com/burrowmls/burrow/internal/objectstore"
	"github.com/burrowmls/burrow/internal/profile"
	"github.com/burrowmls/burrow/internal/relay"
	"github.com/burrowmls/burrow/internal/store"
)

func resolveDataDir() (string, error) {
	if dataDirFlag != "" {
		return dataDirFlag, nil
	}
	return config.DefaultDataDir()
}

func identityPath(dataDir string) string {
	return filepath.Join(dataDir, "identity.pem")
}

// promptPassphrase reads a line from stdin without echo suppression, in
// the teacher's plain fmt.Print/Scanln prompting style (init.go, join.go);
// if confirm is true the user is asked to repeat it and the two must
// match. An empty line means "no passphrase".
func promptPassphrase(confirm bool) ([]byte, error) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Passphrase (leave empty for none): ")
	first, err := readLine(reader)
	if err != nil {
		return nil, err
	}
	if !confirm || first == "" {
		return []byte(first), nil
	}
	fmt.Print("Confirm passphrase: ")
	second, err := readLine(reader)
	if err != nil {
		return nil, err
	}
	if first != second {
		return nil, fmt.Errorf("passphrases did not match")
	}
	return []byte(first), nil
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// loadIdentity reads the identity file at path, prompting for a
// passphrase only if the key turns out to be encrypted.
func loadIdentity(path string) (identity.Identity, error) {
	id, err := identity.LoadFromFile(path, nil)
	if err == nil {
		return id, nil
	}
	if !strings.Contains(err.Error(), "no passphrase supplied") {
		return identity.Identity{}, err
	}
	passphrase, perr := promptPassphrase(false)
	if perr != nil {
		return identity.Identity{}, perr
	}
	return identity.LoadFromFile(path, passphrase)
}

// loadContext assembles an appctx.Context from the data directory burrow
// init already populated. Every command but init calls this first.
func loadContext() (*appctx.Context, error) {
	dataDir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(identityPath(dataDir)); os.IsNotExist(err) {
		return nil, fmt.Errorf("burrow is not initialized in %s; run 'burrow init' first", dataDir)
	}

	id, err := loadIdentity(identityPath(dataDir))
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}

	dbKey, err := id.DBKey("mls-store")
	if err != nil {
		return nil, err
	}
	st, err := store.Open(filepath.Join(dataDir, "burrow.db"), dbKey)
	if err != nil {
		return nil, err
	}
	appState, err := appstate.Open(filepath.Join(dataDir, "app_state.db"))
	if err != nil {
		st.Close()
		return nil, err
	}

	logger := newLogger(cfg.LogLevel)
	aclEval, err := acl.Load(appState, logger)
	if err != nil {
		return nil, err
	}
	profiles := profile.New(appState)
	pool := relay.NewPool(cfg.Relays, appState, logger)
	objects := objectstore.New(cfg.ObjectStoreURL, id)

	return appctx.New(cfg, id, st, appState, pool, objects, aclEval, profiles), nil
}

// newLogger builds a zerolog.Logger writing JSON to stderr, the shape
// SPEC_FULL.md §7 specifies for daemon mode. Interactive commands get the
// same logger at the same configured level; a level name that does not
// parse falls back to info.
func newLogger(levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// processInbound runs the group-mutex-guarded inbound path listen and
// daemon share: evaluate the sender against the Access-Control Evaluator
// before even attempting decryption is not possible here (the sender
// identity is only known after decrypting the inner layer), so ACL
// enforcement happens on the decrypted author per spec.md §4.9's
// EvaluateInbound contract.
func processInbound(ctx *appctx.Context, eng *group.Engine, outer *nostr.Event) (message.ProcessResult, error) {
	groupID := eng.Record().ProtocolGroupID
	mu := ctx.GroupMutex(groupID)
	mu.Lock()
	defer mu.Unlock()

	result, err := ctx.Messages.Process(eng, outer)
	if err != nil {
		return message.ProcessResult{}, err
	}
	if result.Message != nil && !ctx.ACL.EvaluateInbound(result.Message.Author, groupID) {
		return message.ProcessResult{}, nil
	}
	return result, nil
}
