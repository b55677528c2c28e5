package billing

import (
	"gorm.io/gorm"
)

// Services bundles the billing subsystem wired against one repository and
// one remote gateway.
type Services struct {
	Repo     Repository
	Gateway  RemoteBillingGateway
	Resolver *Resolver
	Roles    *RoleSynchronizer
	Trials   *TrialService
	Sync     *SyncService
	Webhooks *WebhookService
	Config   Config
}

// NewServices wires all billing services from an injected repository and
// gateway.
func NewServices(repo Repository, gateway RemoteBillingGateway, cfg Config) *Services {
	roles := NewRoleSynchronizer(repo)
	resolver := NewResolver(repo, gateway, cfg)
	return &Services{
		Repo:     repo,
		Gateway:  gateway,
		Resolver: resolver,
		Roles:    roles,
		Trials:   NewTrialService(repo, resolver, roles, cfg),
		Sync:     NewSyncService(repo, gateway, roles, cfg),
		Webhooks: NewWebhookService(repo, roles, cfg),
		Config:   cfg,
	}
}

// NewServicesFromDB wires all billing services from a GORM DB handle.
func NewServicesFromDB(db *gorm.DB, gateway RemoteBillingGateway, cfg Config) *Services {
	return NewServices(NewRepository(db), gateway, cfg)
}
