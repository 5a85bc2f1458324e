package rule

import "context"

// Repository provides read access to persisted mapping rules plus a change
// feed subscription. Write access belongs to the administrative authoring
// layer; its mutations are observed only through WatchChanges.
type Repository interface {
	// FindByID returns the rule with the given id. The error wraps
	// ErrRuleNotFound when no such rule exists. Inactive rules are
	// returned as-is; rejecting them is the cache layer's decision.
	FindByID(ctx context.Context, id string) (*MappingRule, error)

	// FindByProviderAndType returns all rules matching the provider and
	// rule type. An empty apiType matches both connection styles.
	FindByProviderAndType(ctx context.Context, provider, ruleType string, apiType APIType) ([]*MappingRule, error)

	// WatchChanges subscribes to rule mutations. The returned channel is
	// closed when the feed fails or the context is cancelled; consumers
	// decide whether to resubscribe.
	WatchChanges(ctx context.Context) (<-chan ChangeEvent, error)
}

// MetadataReader is an optional Repository upgrade that exposes a cheap
// version read. When implemented, the cache builds version-aware keys
// without fetching full rule documents.
type MetadataReader interface {
	// FindMetadata returns the id, provider, version timestamp and
	// active flag of a rule. The error wraps ErrRuleNotFound when no
	// such rule exists.
	FindMetadata(ctx context.Context, id string) (RuleMetadata, error)
}
