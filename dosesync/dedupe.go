package dosesync

import (
	"sort"
)

// Deduplication: concurrent local and remote writes can leave multiple
// records describing the same real-world event. Records are grouped by a
// collection-specific duplicate-identity key (for injections: user + day +
// dose + site) and each group reduced to a single survivor. The pass is
// idempotent.

// FindDuplicateSets groups records by the collection's duplicate-identity
// key and returns only groups with more than one member, in first-seen key
// order. Records without a derivable key are never grouped.
func FindDuplicateSets(spec CollectionSpec, records []Record) [][]Record {
	if spec.DuplicateKey == nil {
		return nil
	}
	groups := make(map[string][]Record)
	var order []string
	for _, r := range records {
		key, ok := spec.DuplicateKey(r)
		if !ok {
			continue
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	var sets [][]Record
	for _, key := range order {
		if group := groups[key]; len(group) > 1 {
			sets = append(sets, group)
		}
	}
	return sets
}

// ChooseSurvivor picks the record to keep from a duplicate set: highest
// completeness score first, ties broken by earliest event timestamp, then
// by id for determinism.
func ChooseSurvivor(spec CollectionSpec, group []Record) Record {
	ranked := make([]Record, len(group))
	copy(ranked, group)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := completenessScore(spec, ranked[i]), completenessScore(spec, ranked[j])
		if si != sj {
			return si > sj
		}
		ti, tj := recordTime(ranked[i]), recordTime(ranked[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		idI, _ := CanonicalString(ranked[i], FieldID)
		idJ, _ := CanonicalString(ranked[j], FieldID)
		return idI < idJ
	})
	return ranked[0]
}

// DuplicateLosers returns the ids of every non-survivor across all
// duplicate sets in the collection. The orchestrator routes these through
// the pending-deletion tracker so the deletions apply locally and propagate
// remotely.
func DuplicateLosers(spec CollectionSpec, records []Record) []string {
	var losers []string
	for _, group := range FindDuplicateSets(spec, records) {
		survivor := ChooseSurvivor(spec, group)
		survivorID, _ := CanonicalString(survivor, FieldID)
		for _, r := range group {
			id, ok := CanonicalString(r, FieldID)
			if !ok || id == survivorID {
				continue
			}
			losers = append(losers, id)
		}
	}
	return losers
}

// completenessScore counts the collection's optional fields holding a
// non-empty value. More complete records win survivor selection.
func completenessScore(spec CollectionSpec, r Record) int {
	score := 0
	for _, field := range spec.Completeness {
		v, ok := CanonicalValue(r, field)
		if !ok {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		score++
	}
	return score
}
