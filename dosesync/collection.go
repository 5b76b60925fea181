package dosesync

import (
	"strconv"
	"strings"
	"time"
)

// CollectionSpec parameterizes the generic collection machinery for one
// domain collection: how to detect duplicates, which fields a create must
// carry, and which optional fields count toward the completeness score used
// to pick a duplicate-set survivor.
type CollectionSpec struct {
	Name string

	// DuplicateKey derives the duplicate-identity key for a record, or
	// ok=false when the record lacks the fields the key is built from.
	// Records without a key are never grouped.
	DuplicateKey func(r Record) (key string, ok bool)

	// Required lists logical fields a record must carry on create.
	Required []string

	// Completeness lists logical fields whose presence scores a record
	// during survivor selection.
	Completeness []string
}

// Dedupe reports whether the deduplication pass runs for this collection.
// Settings is a singleton document and has no duplicate identity.
func (s CollectionSpec) Dedupe() bool { return s.DuplicateKey != nil }

// Collections registers every synced collection. Injections consider two
// records the same event when they share user, calendar day, dose and site;
// vials when they share day, concentration and volume; weights when they
// share day and value.
var Collections = []CollectionSpec{
	{
		Name:         CollectionInjections,
		DuplicateKey: injectionDuplicateKey,
		Required:     []string{FieldTimestamp, FieldDose},
		Completeness: []string{FieldNotes, FieldVialID, FieldWeight, FieldSite},
	},
	{
		Name:         CollectionVials,
		DuplicateKey: vialDuplicateKey,
		Required:     []string{FieldConcentration},
		Completeness: []string{FieldNotes, FieldVolume, FieldTimestamp},
	},
	{
		Name:         CollectionWeights,
		DuplicateKey: weightDuplicateKey,
		Required:     []string{FieldTimestamp, FieldWeight},
		Completeness: []string{FieldNotes},
	},
	{
		Name: CollectionSettings,
	},
}

// CollectionByName looks up a registered collection spec.
func CollectionByName(name string) (CollectionSpec, bool) {
	for _, spec := range Collections {
		if spec.Name == name {
			return spec, true
		}
	}
	return CollectionSpec{}, false
}

func injectionDuplicateKey(r Record) (string, bool) {
	day, ok := calendarDate(r)
	if !ok {
		return "", false
	}
	dose, ok := CanonicalFloat(r, FieldDose)
	if !ok {
		return "", false
	}
	site, _ := CanonicalString(r, FieldSite)
	user, _ := CanonicalString(r, FieldUserID)
	return strings.Join([]string{user, day, formatFloatKey(dose), site}, "|"), true
}

func vialDuplicateKey(r Record) (string, bool) {
	conc, ok := CanonicalFloat(r, FieldConcentration)
	if !ok {
		return "", false
	}
	day, _ := calendarDate(r)
	vol, _ := CanonicalFloat(r, FieldVolume)
	user, _ := CanonicalString(r, FieldUserID)
	return strings.Join([]string{user, day, formatFloatKey(conc), formatFloatKey(vol)}, "|"), true
}

func weightDuplicateKey(r Record) (string, bool) {
	day, ok := calendarDate(r)
	if !ok {
		return "", false
	}
	value, ok := CanonicalFloat(r, FieldWeight)
	if !ok {
		return "", false
	}
	user, _ := CanonicalString(r, FieldUserID)
	return strings.Join([]string{user, day, formatFloatKey(value)}, "|"), true
}

// calendarDate extracts the YYYY-MM-DD day from the record timestamp.
// Falls back to the raw date prefix when the value is not strict RFC 3339,
// since historical clients wrote timestamps with varying precision.
func calendarDate(r Record) (string, bool) {
	ts, ok := CanonicalString(r, FieldTimestamp)
	if !ok || ts == "" {
		return "", false
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.UTC().Format("2006-01-02"), true
	}
	if len(ts) >= 10 {
		return ts[:10], true
	}
	return "", false
}

// recordTime parses the event timestamp, returning the zero time when the
// record has none. Used for tie-breaks, where zero sorts earliest.
func recordTime(r Record) time.Time {
	ts, ok := CanonicalString(r, FieldTimestamp)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

// updateTime parses the last-modified timestamp used for merge preference.
func updateTime(r Record) time.Time {
	ts, ok := CanonicalString(r, FieldUpdatedAt)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

// formatFloatKey renders a float for use inside a duplicate-identity key.
// Shortest representation keeps 2 and 2.0 on the same key.
func formatFloatKey(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
