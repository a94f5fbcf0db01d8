package oauthserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/amlume/authkit"
	"github.com/amlume/authkit/oauthserver/idp"
)

// UserResolver maps a federated identity onto a local account, provisioning
// one on first login. Federated accounts carry no password hash; they can
// only authenticate through the upstream provider or a registered passkey.
type UserResolver struct {
	users authkit.UserProvider
}

func NewUserResolver(users authkit.UserProvider) *UserResolver {
	return &UserResolver{users: users}
}

// Resolve looks the identity up by its stable identifier and creates the
// account when it does not exist yet.
func (r *UserResolver) Resolve(ctx context.Context, identity *idp.Identity) (authkit.UserRecord, error) {
	identifier := identity.Email
	if identifier == "" {
		identifier = identity.Subject
	}
	if identifier == "" {
		return authkit.UserRecord{}, errors.New("federated identity carries neither email nor subject")
	}

	user, err := r.users.GetUserByIdentifier(ctx, identifier)
	if err == nil {
		if statusErr := user.StatusError(); statusErr != nil {
			return authkit.UserRecord{}, statusErr
		}
		return user, nil
	}
	if !errors.Is(err, authkit.ErrUserNotFound) {
		return authkit.UserRecord{}, fmt.Errorf("lookup federated user: %w", err)
	}

	user, err = r.users.CreateUser(ctx, authkit.NewAccount{
		Identifier: identifier,
		Email:      identity.Email,
	}, "")
	if err != nil {
		return authkit.UserRecord{}, fmt.Errorf("provision federated user: %w", err)
	}
	return user, nil
}
