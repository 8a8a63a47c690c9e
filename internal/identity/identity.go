package identity

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sukoon-app/sukoon-backend/internal/models"
)

// Generator produces collision-resistant ids for messages and sessions.
// Each id combines UUIDv4 entropy with a per-generator counter, so rapid
// calls within the same instant still never collide. Safe for concurrent use.
type Generator struct {
	counter atomic.Uint64
}

func NewGenerator() *Generator {
	return &Generator{}
}

// NewMessageID returns a role-prefixed message id, e.g. "user-3-1b9d6bcd...".
func (g *Generator) NewMessageID(kind models.Role) string {
	n := g.counter.Add(1)
	return fmt.Sprintf("%s-%d-%s", kind, n, uuid.NewString())
}

// NewSessionID returns an opaque session id.
func (g *Generator) NewSessionID() string {
	n := g.counter.Add(1)
	return fmt.Sprintf("session-%d-%s", n, uuid.NewString())
}
