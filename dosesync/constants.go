package dosesync

// Operation kinds for sync queue entries
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Collection names
const (
	CollectionInjections = "injections"
	CollectionVials      = "vials"
	CollectionWeights    = "weights"
	CollectionSettings   = "settings"
)

// Logical field names used with CanonicalValue/SetCanonicalValue.
// A logical field is the single value a record holds regardless of which
// physical key spelling stores it.
const (
	FieldID            = "id"
	FieldUserID        = "userId"
	FieldTimestamp     = "timestamp"
	FieldUpdatedAt     = "updatedAt"
	FieldDose          = "dose"
	FieldSite          = "site"
	FieldConcentration = "concentration"
	FieldVolume        = "volume"
	FieldWeight        = "weight"
	FieldNotes         = "notes"
	FieldVialID        = "vialId"
)
