package doseapi

import "fmt"

// Collections accepted by the API.
var allowedCollections = map[string]bool{
	"injections": true,
	"vials":      true,
	"weights":    true,
	"settings":   true,
}

// requiredFields lists the wire-format fields a record must carry on create,
// per collection.
var requiredFields = map[string][]string{
	"injections": {"timestamp", "doseMg"},
	"vials":      {"concentrationMgMl"},
	"weights":    {"timestamp", "weightKg"},
	"settings":   nil,
}

func validateCollection(collection string) error {
	if !allowedCollections[collection] {
		return fmt.Errorf("unknown collection %q", collection)
	}
	return nil
}

func validateRecord(collection string, doc map[string]any) error {
	for _, field := range requiredFields[collection] {
		if v, ok := doc[field]; !ok || v == nil {
			return fmt.Errorf("missing required field %q", field)
		}
	}
	return nil
}
