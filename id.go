package keystone

import "github.com/xraph/keystone/id"

// ID is the primary identifier type for all Keystone entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
