package dosesync

// RemainingVolume computes the volume (ml) left in a vial after subtracting
// every linked injection's draw (dose mg / concentration mg per ml).
// Returns ok=false when the vial lacks a usable volume or concentration, or
// when any linked injection has an unparseable dose. Absent values mean
// "cannot compute", never "compute using zero".
func RemainingVolume(vial Record, injections []Record) (float64, bool) {
	total, ok := CanonicalFloat(vial, FieldVolume)
	if !ok {
		return 0, false
	}
	concentration, ok := CanonicalFloat(vial, FieldConcentration)
	if !ok || concentration <= 0 {
		return 0, false
	}
	vialID, ok := CanonicalString(vial, FieldID)
	if !ok {
		return 0, false
	}

	used := 0.0
	for _, inj := range injections {
		linked, ok := CanonicalString(inj, FieldVialID)
		if !ok || linked != vialID {
			continue
		}
		dose, ok := CanonicalFloat(inj, FieldDose)
		if !ok {
			return 0, false
		}
		used += dose / concentration
	}

	remaining := total - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
