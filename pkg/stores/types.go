package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/icos-project/polman/pkg/model"
)

// Type selects a policy store implementation.
type Type string

const (
	TypeInMemory Type = "inmemory"
	TypeFile     Type = "file"
	TypeSQLite   Type = "sqlite"
	TypeBadger   Type = "badger"
	TypeMongoDB  Type = "mongodb"
)

// Filters selects policies by dotted paths over the policy JSON document,
// for example "subject.appInstance" or "status.phase". All entries must
// match.
type Filters map[string]string

// Store defines the interface for policy persistence. Every mutator works
// on one policy and is atomic with respect to it. Reads return copies that
// callers may modify freely.
type Store interface {
	// Insert stores a new policy.
	Insert(ctx context.Context, p *model.Policy) error

	// Get returns the policy or a not found error.
	Get(ctx context.Context, id string) (*model.Policy, error)

	// List returns the policies matching every filter, in insertion order.
	List(ctx context.Context, filters Filters) ([]*model.Policy, error)

	// Delete removes the policy or returns a not found error.
	Delete(ctx context.Context, id string) error

	// AddEvent appends an event to the policy event log.
	AddEvent(ctx context.Context, id string, event model.Event) error

	SetPhase(ctx context.Context, id string, phase model.Phase) error
	SetRenderedSpec(ctx context.Context, id string, spec model.Spec) error

	// SetVariable sets a variable, or removes it when value is nil.
	SetVariable(ctx context.Context, id, name string, value interface{}) error

	UpdateMeasurementBackend(ctx context.Context, id, name string, status map[string]interface{}) error
	DeleteMeasurementBackend(ctx context.Context, id, name string) error

	// HealthCheck verifies the store is usable.
	HealthCheck(ctx context.Context) error

	Close() error
}

// Config holds policy store configuration.
type Config struct {
	Type     Type
	Path     string
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Timeout bounds connection setup for networked stores.
	Timeout time.Duration
}

func errAlreadyExists(id string) error {
	return model.NewValidationError(fmt.Sprintf("policy %s already exists", id), nil).WithPolicy(id)
}
