package market

import "github.com/google/uuid"

// Signer identifies who authorized an instruction. A user acts either
// directly or through a margin proxy; orders placed through a proxy are
// margin orders.
type Signer interface {
	User() uuid.UUID
	Proxied() bool
}

// DirectSigner is a user signing for itself.
type DirectSigner struct {
	ID uuid.UUID
}

func (s DirectSigner) User() uuid.UUID { return s.ID }
func (s DirectSigner) Proxied() bool   { return false }

// ProxySigner is a margin account acting on behalf of User.
type ProxySigner struct {
	ID    uuid.UUID
	Proxy uuid.UUID
}

func (s ProxySigner) User() uuid.UUID { return s.ID }
func (s ProxySigner) Proxied() bool   { return true }

// Direct returns a DirectSigner for id.
func Direct(id uuid.UUID) Signer { return DirectSigner{ID: id} }

// Proxy returns a ProxySigner for user acting through proxy.
func Proxy(user, proxy uuid.UUID) Signer { return ProxySigner{ID: user, Proxy: proxy} }
