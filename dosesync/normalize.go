// Package dosesync implements the offline-first sync layer for a personal
// medication and weight tracker: a persisted queue of pending mutations, a
// time-boxed deletion tombstone set, duplicate-record reconciliation, and a
// field normalizer that bridges the local snake_case vocabulary and the
// remote camelCase wire format (including legacy field aliases).
package dosesync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is a schemaless domain record (injection, vial or weight) as it
// round-trips through JSON. Field names may appear in either the local or
// the remote vocabulary; CanonicalValue hides the difference.
type Record map[string]any

// Vocabulary selects which physical key spelling SetCanonicalValue writes.
type Vocabulary int

const (
	VocabLocal  Vocabulary = iota // snake_case, as persisted in the local store
	VocabRemote                   // camelCase, as sent over the wire
)

// localToRemote is the static bidirectional key map between the local store
// vocabulary and the API wire vocabulary. Keys absent from the map pass
// through conversion unchanged.
var localToRemote = map[string]string{
	"dose_mg":             "doseMg",
	"injection_site":      "injectionSite",
	"vial_id":             "vialId",
	"user_id":             "userId",
	"concentration_mg_ml": "concentrationMgMl",
	"total_volume_ml":     "totalVolumeMl",
	"remaining_volume_ml": "remainingVolumeMl",
	"weight_kg":           "weightKg",
	"weight_unit":         "weightUnit",
	"recorded_at":         "recordedAt",
	"opened_at":           "openedAt",
	"created_at":          "createdAt",
	"updated_at":          "updatedAt",
}

var remoteToLocal = func() map[string]string {
	m := make(map[string]string, len(localToRemote))
	for local, remote := range localToRemote {
		m[remote] = local
	}
	return m
}()

// remoteAliases maps deprecated wire spellings to the canonical wire key.
// Resolved during ToLocalFormat so old server copies converge on one name.
var remoteAliases = map[string]string{
	"concentration":        "concentrationMgMl",
	"concentrationMgPerMl": "concentrationMgMl",
	"dose":                 "doseMg",
	"site":                 "injectionSite",
}

// fieldSpec describes every physical spelling of one logical field. The
// lookup priority is canonical local, canonical remote, then legacy aliases.
type fieldSpec struct {
	local   string
	remote  string
	aliases []string
}

func (s fieldSpec) spellings() []string {
	out := []string{s.local}
	if s.remote != s.local {
		out = append(out, s.remote)
	}
	return append(out, s.aliases...)
}

var fieldSpecs = map[string]fieldSpec{
	FieldID:            {local: "id", remote: "id", aliases: []string{"record_id", "recordId"}},
	FieldUserID:        {local: "user_id", remote: "userId"},
	FieldTimestamp:     {local: "timestamp", remote: "timestamp", aliases: []string{"recorded_at", "recordedAt"}},
	FieldUpdatedAt:     {local: "updated_at", remote: "updatedAt"},
	FieldDose:          {local: "dose_mg", remote: "doseMg", aliases: []string{"dose"}},
	FieldSite:          {local: "injection_site", remote: "injectionSite", aliases: []string{"site"}},
	FieldConcentration: {local: "concentration_mg_ml", remote: "concentrationMgMl", aliases: []string{"concentration", "concentrationMgPerMl"}},
	FieldVolume:        {local: "total_volume_ml", remote: "totalVolumeMl", aliases: []string{"volume_ml", "volume"}},
	FieldWeight:        {local: "weight_kg", remote: "weightKg", aliases: []string{"weight"}},
	FieldNotes:         {local: "notes", remote: "notes"},
	FieldVialID:        {local: "vial_id", remote: "vialId"},
}

// ToRemoteFormat deep-converts record keys from the local vocabulary to the
// wire vocabulary. Nested maps and arrays are converted recursively;
// primitive values pass through unchanged.
func ToRemoteFormat(r Record) Record {
	return convertKeys(r, func(key string) string {
		if remote, ok := localToRemote[key]; ok {
			return remote
		}
		return key
	})
}

// ToLocalFormat is the inverse of ToRemoteFormat. Legacy wire aliases are
// resolved to the canonical wire key before the reverse translation, so a
// record carrying e.g. "concentration" lands on "concentration_mg_ml".
func ToLocalFormat(r Record) Record {
	return convertKeys(r, func(key string) string {
		if canonical, ok := remoteAliases[key]; ok {
			key = canonical
		}
		if local, ok := remoteToLocal[key]; ok {
			return local
		}
		return key
	})
}

func convertKeys(r Record, mapKey func(string) string) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for key, val := range r {
		out[mapKey(key)] = convertValue(val, mapKey)
	}
	return out
}

func convertValue(v any, mapKey func(string) string) any {
	switch vv := v.(type) {
	case map[string]any:
		return map[string]any(convertKeys(vv, mapKey))
	case Record:
		return convertKeys(vv, mapKey)
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = convertValue(item, mapKey)
		}
		return out
	default:
		return v
	}
}

// CanonicalValue returns the value of a logical field, checking every known
// spelling in priority order (canonical names first, then legacy aliases).
// The second return is false when no spelling holds a non-nil value.
func CanonicalValue(r Record, field string) (any, bool) {
	spec, ok := fieldSpecs[field]
	if !ok {
		return nil, false
	}
	for _, key := range spec.spellings() {
		if v, present := r[key]; present && v != nil {
			return v, true
		}
	}
	return nil, false
}

// SetCanonicalValue writes value under the single correct spelling for the
// requested vocabulary and removes every other spelling of the same logical
// field, so spelling drift cannot re-accumulate.
func SetCanonicalValue(r Record, field string, value any, vocab Vocabulary) error {
	spec, ok := fieldSpecs[field]
	if !ok {
		return fmt.Errorf("unknown logical field %q", field)
	}
	for _, key := range spec.spellings() {
		delete(r, key)
	}
	key := spec.local
	if vocab == VocabRemote {
		key = spec.remote
	}
	r[key] = value
	return nil
}

// CanonicalFloat reads a logical field as a float. String-typed numbers
// (common after JSON round-trips through mismatched client versions) are
// parsed; a failed parse yields absent, never zero. Callers must treat
// absent as "cannot compute".
func CanonicalFloat(r Record, field string) (float64, bool) {
	v, ok := CanonicalValue(r, field)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// CanonicalString reads a logical field as a string, returning absent for
// missing fields and non-string values other than fmt-able primitives.
func CanonicalString(r Record, field string) (string, bool) {
	v, ok := CanonicalValue(r, field)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return "", false
	}
}

// Clone returns a deep copy of the record. Snapshots handed to callers and
// queue payloads must never alias the live dataset.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return map[string]any(Record(vv).Clone())
	case Record:
		return vv.Clone()
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
