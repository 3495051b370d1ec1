package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

const actorCollection = "users"

// ActorRepository resolves stored roles from user profiles. Profiles written by older clients
// carry a roles array instead of a single role field.
type ActorRepository struct {
	base *pfirestore.BaseRepository[actorDocument]
}

var _ repositories.ActorRepository = (*ActorRepository)(nil)

// NewActorRepository constructs a Firestore-backed actor store.
func NewActorRepository(provider *pfirestore.Provider) (*ActorRepository, error) {
	if provider == nil {
		return nil, errors.New("actor repository requires firestore provider")
	}
	return &ActorRepository{
		base: pfirestore.NewBaseRepository[actorDocument](provider, actorCollection, nil, nil),
	}, nil
}

// FindByID loads the actor for the given user id.
func (r *ActorRepository) FindByID(ctx context.Context, actorID string) (domain.Actor, error) {
	if r == nil || r.base == nil {
		return domain.Actor{}, errors.New("actor repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(actorID))
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{ID: doc.ID, Role: actorRole(doc.Data)}, nil
}

type actorDocument struct {
	Role  string   `firestore:"role"`
	Roles []string `firestore:"roles"`
}

func actorRole(doc actorDocument) domain.Role {
	if role := domain.Role(strings.ToLower(strings.TrimSpace(doc.Role))); role.Valid() {
		return role
	}
	// Highest privilege wins when several legacy roles are present.
	best := domain.RoleAnonymous
	for _, raw := range doc.Roles {
		switch role := domain.Role(strings.ToLower(strings.TrimSpace(raw))); role {
		case domain.RoleAdmin:
			return role
		case domain.RoleDelivery:
			best = role
		case domain.RoleCustomer:
			if best == domain.RoleAnonymous {
				best = role
			}
		}
	}
	if best == domain.RoleAnonymous {
		return domain.RoleCustomer
	}
	return best
}
