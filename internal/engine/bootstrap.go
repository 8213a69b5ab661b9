package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/CyberFlameGO/ReadingListV1/internal/remote"
	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

// ResourceState tracks one environment resource through verification.
type ResourceState string

// Resource states.
const (
	ResourceUnknown   ResourceState = "unknown"
	ResourceVerifying ResourceState = "verifying"
	ResourceExists    ResourceState = "exists"
	ResourceCreating  ResourceState = "creating"
	ResourceCreated   ResourceState = "created"
	ResourceFailed    ResourceState = "failed"
)

// Environment resources.
const (
	resourceIdentity     = "identity"
	resourceZone         = "zone"
	resourceSubscription = "subscription"
)

// Initializer idempotently provisions the remote environment: it verifies
// the account identity is unchanged since the last successful sync, then
// ensures the zone and the change-notification subscription exist. Each
// resource is checked before creation, so running Prepare twice, or
// interrupting it midway and restarting, leaves exactly one zone and one
// subscription.
type Initializer struct {
	st     *store.Store
	remote remote.Store
	zone   string
	logger *log.Logger

	mu     sync.Mutex
	states map[string]ResourceState
}

// NewInitializer creates an initializer for the given zone. st must be the
// engine's sync-origin store handle.
func NewInitializer(st *store.Store, rs remote.Store, zone string, logger *log.Logger) *Initializer {
	if logger == nil {
		logger = log.New(os.Stderr, "[bootstrap] ", log.LstdFlags)
	}
	return &Initializer{
		st:     st,
		remote: rs,
		zone:   zone,
		logger: logger,
		states: map[string]ResourceState{
			resourceIdentity:     ResourceUnknown,
			resourceZone:         ResourceUnknown,
			resourceSubscription: ResourceUnknown,
		},
	}
}

// States returns a snapshot of per-resource states for diagnostics.
func (i *Initializer) States() map[string]ResourceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]ResourceState, len(i.states))
	for k, v := range i.states {
		out[k] = v
	}
	return out
}

func (i *Initializer) setState(resource string, s ResourceState) {
	i.mu.Lock()
	i.states[resource] = s
	i.mu.Unlock()
}

// Prepare verifies the account identity and ensures the zone and
// subscription exist, in that order. It returns nil only when all three
// succeeded. An identity change is terminal: continuing would silently mix
// two accounts' libraries.
func (i *Initializer) Prepare(ctx context.Context) error {
	if err := i.verifyIdentity(ctx); err != nil {
		return err
	}
	if err := i.ensureZone(ctx); err != nil {
		return err
	}
	return i.ensureSubscription(ctx)
}

func (i *Initializer) verifyIdentity(ctx context.Context) error {
	i.setState(resourceIdentity, ResourceVerifying)
	current, err := i.remote.CurrentUser(ctx)
	if err != nil {
		i.setState(resourceIdentity, ResourceFailed)
		return fmt.Errorf("failed to look up account identity: %w", err)
	}

	persisted, err := i.st.GetMeta(ctx, metaIdentity)
	if err != nil {
		i.setState(resourceIdentity, ResourceFailed)
		return err
	}
	switch persisted {
	case "":
		if err := i.st.SetMeta(ctx, metaIdentity, string(current)); err != nil {
			i.setState(resourceIdentity, ResourceFailed)
			return err
		}
		i.logger.Printf("account identity recorded")
	case string(current):
	default:
		i.setState(resourceIdentity, ResourceFailed)
		return terminal(DisableAccountChanged,
			fmt.Errorf("account identity changed since last sync"))
	}
	i.setState(resourceIdentity, ResourceExists)
	return nil
}

func (i *Initializer) ensureZone(ctx context.Context) error {
	i.setState(resourceZone, ResourceVerifying)
	exists, err := i.remote.ZoneExists(ctx, i.zone)
	if err != nil && !remote.HasCode(err, remote.CodeZoneNotFound) {
		i.setState(resourceZone, ResourceFailed)
		return fmt.Errorf("failed to check zone %s: %w", i.zone, err)
	}
	if exists {
		i.setState(resourceZone, ResourceExists)
		return nil
	}

	i.setState(resourceZone, ResourceCreating)
	i.logger.Printf("creating zone %s", i.zone)
	if err := i.remote.CreateZone(ctx, i.zone); err != nil {
		i.setState(resourceZone, ResourceFailed)
		return fmt.Errorf("failed to create zone %s: %w", i.zone, err)
	}
	exists, err = i.remote.ZoneExists(ctx, i.zone)
	if err != nil {
		i.setState(resourceZone, ResourceFailed)
		return fmt.Errorf("failed to verify zone %s: %w", i.zone, err)
	}
	if !exists {
		i.setState(resourceZone, ResourceFailed)
		return fmt.Errorf("zone %s missing after creation", i.zone)
	}
	i.setState(resourceZone, ResourceCreated)
	return nil
}

func (i *Initializer) ensureSubscription(ctx context.Context) error {
	i.setState(resourceSubscription, ResourceVerifying)

	subID, err := i.st.GetMeta(ctx, metaSubscriptionID)
	if err != nil {
		i.setState(resourceSubscription, ResourceFailed)
		return err
	}
	if subID == "" {
		// Persist the id before touching the remote store: a crash between
		// creation and persistence must not mint a second subscription on
		// the next run.
		subID = uuid.NewString()
		if err := i.st.SetMeta(ctx, metaSubscriptionID, subID); err != nil {
			i.setState(resourceSubscription, ResourceFailed)
			return err
		}
	}

	exists, err := i.remote.SubscriptionExists(ctx, i.zone, subID)
	if err != nil {
		i.setState(resourceSubscription, ResourceFailed)
		return fmt.Errorf("failed to check subscription: %w", err)
	}
	if !exists {
		i.setState(resourceSubscription, ResourceCreating)
		i.logger.Printf("creating change subscription %s", subID)
		if err := i.remote.CreateSubscription(ctx, i.zone, subID); err != nil {
			i.setState(resourceSubscription, ResourceFailed)
			return fmt.Errorf("failed to create subscription: %w", err)
		}
	}

	if exists {
		i.setState(resourceSubscription, ResourceExists)
	} else {
		i.setState(resourceSubscription, ResourceCreated)
	}
	return nil
}
