package sqlstore

import "github.com/quantfolio/go-brokers/core"

var (
	_ core.ConnectionStore          = (*ConnectionStore)(nil)
	_ core.CredentialStore          = (*CredentialStore)(nil)
	_ core.ExpiringCredentialLister = (*CredentialStore)(nil)
	_ core.StoreProvider            = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory   = (*RepositoryFactory)(nil)
)
