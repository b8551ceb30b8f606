// Package appctx implements the Application Context (SPEC_FULL.md §2 item
// 14, spec.md §5's concurrency model): the explicit, borrowed-reference
// object every operation takes instead of reaching for package-level
// globals. It owns the process-lifetime singletons — Identity, the
// Persistent MLS Store, the unencrypted AppState store, the Relay Pool,
// Config — plus the components built on top of them (Message and Welcome
// Pipelines, Media Pipeline, Object Store client, Access-Control
// Evaluator, Profile & Contacts Cache), and the per-group mutex map that
// guards each group's decrypt-and-persist and send critical sections.
//
// Grounded on the teacher's cmd/mlsgit root command, which assembles one
// Config/Store pair at startup and threads it through every subcommand by
// parameter rather than by global state; here generalized from a single
// struct passed by value to a long-lived object also responsible for
// caching open group.Engines and their MLS leaf signing keys across the
// life of a daemon process.
package appctx

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"sync"

	"github.com/burrowmls/burrow/internal/acl"
	"github.com/burrowmls/burrow/internal/appstate"
	"github.com/burrowmls/burrow/internal/burrowerr"
	"github.com/burrowmls/burrow/internal/config"
	"github.com/burrowmls/burrow/internal/crypto"
	"github.com/burrowmls/burrow/internal/group"
	"github.com/burrowmls/burrow/internal/identity"
	"github.com/burrowmls/burrow/internal/media"
	"github.com/burrowmls/burrow/internal/message"
	"github.com/burrowmls/burrow/internal/objectstore"
	"github.com/burrowmls/burrow/internal/profile"
	"github.com/burrowmls/burrow/internal/relay"
	"github.com/burrowmls/burrow/internal/store"
	"github.com/burrowmls/burrow/internal/welcome"
)

// leafKeyDir is the data-dir subdirectory each group's MLS leaf signing
// key is stored under, one PEM file per group.
const leafKeyDir = "leaf-keys"

// Context bundles every long-lived component a command or daemon loop
// needs, and caches the group.Engines it has loaded so repeated access to
// the same group does not re-read the Persistent MLS Store each time.
type Context struct {
	Config   config.Config
	Identity identity.Identity
	Store    *store.Store
	AppState *appstate.Store
	Relays   *relay.Pool
	Objects  *objectstore.Client
	Messages *message.Pipeline
	Welcomes *welcome.Engine
	Media    *media.Pipeline
	ACL      *acl.Evaluator
	Profiles *profile.Cache

	groupMu sync.Map // groupID string -> *sync.Mutex, per spec.md §5

	mu     sync.Mutex
	groups map[string]*group.Engine
}

// New assembles a Context from its already-constructed dependencies.
// Callers build the Store, AppState store, Relay Pool, Object Store
// client and ACL Evaluator once at process startup (each requires its own
// setup — dbKey derivation, relay URLs, owner policy — that does not
// belong inside this constructor) and hand them here; New derives the
// Message, Welcome and Media Pipelines from them since those have no
// configuration of their own beyond a Store or Uploader.
func New(cfg config.Config, id identity.Identity, st *store.Store, appState *appstate.Store, pool *relay.Pool, objects *objectstore.Client, aclEval *acl.Evaluator, profiles *profile.Cache) *Context {
	return &Context{
		Config:   cfg,
		Identity: id,
		Store:    st,
		AppState: appState,
		Relays:   pool,
		Objects:  objects,
		Messages: message.New(st),
		Welcomes: welcome.New(st),
		Media:    media.New(objects),
		ACL:      aclEval,
		Profiles: profiles,
		groups:   make(map[string]*group.Engine),
	}
}

// GroupMutex returns the mutex guarding groupID's decrypt+persist and
// send critical sections, creating it on first use. Per spec.md §5, the
// same mutex is held across an inbound commit's decrypt-and-persist and
// across an outbound send for that group, so the two can never interleave
// and corrupt the group's epoch state.
func (c *Context) GroupMutex(groupID string) *sync.Mutex {
	v, _ := c.groupMu.LoadOrStore(groupID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RegisterGroup caches eng, the Engine group.Create or group.Adopt just
// produced, so a later LoadGroup call for the same id returns it directly
// instead of re-reading the Persistent MLS Store.
func (c *Context) RegisterGroup(eng *group.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[eng.Record().ProtocolGroupID] = eng
}

// LoadGroup returns the cached Engine for groupID, reconstructing it from
// the Persistent MLS Store and the group's on-disk leaf signing key on
// first access.
func (c *Context) LoadGroup(groupID string) (*group.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if eng, ok := c.groups[groupID]; ok {
		return eng, nil
	}
	sigPriv, err := c.loadLeafKey(groupID)
	if err != nil {
		return nil, err
	}
	eng, err := group.Load(c.Store, groupID, sigPriv)
	if err != nil {
		return nil, err
	}
	c.groups[groupID] = eng
	return eng, nil
}

// ForgetGroup drops groupID from the Engine cache, e.g. after ProposeLeave
// takes effect and the group is no longer active.
func (c *Context) ForgetGroup(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, groupID)
}

func (c *Context) leafKeyPath(groupID string) string {
	return filepath.Join(c.Config.DataDir, leafKeyDir, groupID+".pem")
}

// SaveLeafKey persists groupID's MLS leaf signing key so a later process
// restart's LoadGroup can reconstruct the Engine. group.Create and
// group.Adopt's leaf keys never reach the Persistent MLS Store themselves
// (mls.State's serialized bytes omit the raw private scalar); callers are
// responsible for calling SaveLeafKey once, right after the mls.Keys that
// produced the Engine are generated or accepted from a Welcome.
func (c *Context) SaveLeafKey(groupID string, priv ed25519.PrivateKey) error {
	pemStr, err := crypto.PrivateKeyToPEM(priv, c.leafKeyPassphrase())
	if err != nil {
		return burrowerr.Wrap(burrowerr.CryptoFailure, "appctx.SaveLeafKey", err)
	}
	path := c.leafKeyPath(groupID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return burrowerr.Wrap(burrowerr.StorageFailure, "appctx.SaveLeafKey", err)
	}
	if err := os.WriteFile(path, []byte(pemStr), 0o600); err != nil {
		return burrowerr.Wrap(burrowerr.StorageFailure, "appctx.SaveLeafKey", err)
	}
	return nil
}

func (c *Context) loadLeafKey(groupID string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(c.leafKeyPath(groupID))
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.NotFound, "appctx.loadLeafKey", err)
	}
	priv, err := crypto.LoadPrivateKey(string(data), c.leafKeyPassphrase())
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.CryptoFailure, "appctx.loadLeafKey", err)
	}
	return priv, nil
}

// leafKeyPassphrase reads BURROW_PASSPHRASE directly rather than passing
// nil through to crypto.LoadPrivateKey/PrivateKeyToPEM, so SaveLeafKey and
// loadLeafKey agree on the same passphrase without relying on
// LoadPrivateKey's env fallback alone (PrivateKeyToPEM has no such
// fallback; an explicit read here keeps the two symmetric).
func (c *Context) leafKeyPassphrase() []byte {
	if v := os.Getenv(crypto.PassphraseEnv); v != "" {
		return []byte(v)
	}
	return nil
}

// Close closes the Persistent MLS Store and the app-state store the
// Context was built with. The Relay Pool and Object Store client are not
// closed here.
func (c *Context) Close() error {
	var firstErr error
	if err := c.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.AppState.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
