package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sukoon-app/sukoon-backend/internal/identity"
	"github.com/sukoon-app/sukoon-backend/internal/services"
	"github.com/sukoon-app/sukoon-backend/internal/store"
)

// Manager hands out one Machine per user, created lazily on first use.
type Manager struct {
	gateway      *store.Gateway
	engine       services.Engine
	vector       VectorResetter
	contextStore ContextStore
	ids          *identity.Generator
	log          zerolog.Logger

	mu       sync.Mutex
	machines map[string]*Machine
}

func NewManager(gateway *store.Gateway, engine services.Engine, vector VectorResetter, contextStore ContextStore, log zerolog.Logger) *Manager {
	return &Manager{
		gateway:      gateway,
		engine:       engine,
		vector:       vector,
		contextStore: contextStore,
		ids:          identity.NewGenerator(),
		log:          log,
		machines:     make(map[string]*Machine),
	}
}

// Get returns the user's machine, initializing a new one on first access.
// Init is once-guarded inside the machine, so a concurrent Get for the same
// user waits for the preference restore instead of racing past it.
func (mgr *Manager) Get(ctx context.Context, userID string) *Machine {
	mgr.mu.Lock()
	machine, ok := mgr.machines[userID]
	if !ok {
		machine = NewMachine(userID, mgr.gateway, mgr.engine, mgr.vector, mgr.contextStore, mgr.ids, mgr.log)
		mgr.machines[userID] = machine
	}
	mgr.mu.Unlock()

	machine.Init(ctx)
	return machine
}

// FlushAll waits for pending persistence across all machines. Called during
// graceful shutdown so optimistic appends reach the store.
func (mgr *Manager) FlushAll() {
	mgr.mu.Lock()
	machines := make([]*Machine, 0, len(mgr.machines))
	for _, m := range mgr.machines {
		machines = append(machines, m)
	}
	mgr.mu.Unlock()

	for _, m := range machines {
		m.Flush()
	}
}
