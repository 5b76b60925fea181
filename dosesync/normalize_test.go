package dosesync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToRemoteFormat_Concentration(t *testing.T) {
	vial := Record{"concentration_mg_ml": 200}

	remote := ToRemoteFormat(vial)
	require.Equal(t, Record{"concentrationMgMl": 200}, remote)

	local := ToLocalFormat(remote)
	require.Equal(t, Record{"concentration_mg_ml": 200}, local)

	// No other concentration-named key may survive the round trip.
	for key := range local {
		if key != "concentration_mg_ml" {
			t.Fatalf("unexpected key %q after round trip", key)
		}
	}
}

func TestToLocalFormat_ResolvesLegacyAliases(t *testing.T) {
	cases := []struct {
		name   string
		remote Record
		local  Record
	}{
		{"old concentration name", Record{"concentration": 200.0}, Record{"concentration_mg_ml": 200.0}},
		{"intermediate concentration name", Record{"concentrationMgPerMl": 150.0}, Record{"concentration_mg_ml": 150.0}},
		{"bare dose", Record{"dose": 2.5}, Record{"dose_mg": 2.5}},
		{"bare site", Record{"site": "abdomen"}, Record{"injection_site": "abdomen"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.local, ToLocalFormat(tc.remote))
		})
	}
}

func TestToRemoteFormat_Nested(t *testing.T) {
	rec := Record{
		"user_id": "u1",
		"history": []any{
			map[string]any{"dose_mg": 2.0, "injection_site": "thigh"},
		},
		"meta": map[string]any{"updated_at": "2026-01-02T03:04:05Z"},
	}

	remote := ToRemoteFormat(rec)
	require.Equal(t, "u1", remote["userId"])
	history := remote["history"].([]any)
	require.Equal(t, map[string]any{"doseMg": 2.0, "injectionSite": "thigh"}, history[0])
	require.Equal(t, map[string]any{"updatedAt": "2026-01-02T03:04:05Z"}, remote["meta"])
}

func TestRoundTripPreservesCanonicalValues(t *testing.T) {
	rec := Record{
		"id":                  "r1",
		"dose_mg":             2.0,
		"injection_site":      "abdomen",
		"concentration_mg_ml": 200.0,
		"notes":               "morning dose",
		"custom_field":        "kept as-is",
	}

	back := ToLocalFormat(ToRemoteFormat(rec))
	for _, field := range []string{FieldID, FieldDose, FieldSite, FieldConcentration, FieldNotes} {
		want, ok := CanonicalValue(rec, field)
		require.True(t, ok, field)
		got, ok := CanonicalValue(back, field)
		require.True(t, ok, field)
		require.Equal(t, want, got, field)
	}
	require.Equal(t, "kept as-is", back["custom_field"])
}

func TestCanonicalValue_PriorityOrder(t *testing.T) {
	// Canonical spelling wins over a legacy alias present in the same record.
	rec := Record{"concentration_mg_ml": 200.0, "concentration": 100.0}
	v, ok := CanonicalValue(rec, FieldConcentration)
	require.True(t, ok)
	require.Equal(t, 200.0, v)

	// With only the alias present, the alias is found.
	rec = Record{"concentration": 100.0}
	v, ok = CanonicalValue(rec, FieldConcentration)
	require.True(t, ok)
	require.Equal(t, 100.0, v)

	// Nil values are treated as absent.
	rec = Record{"concentration_mg_ml": nil, "concentration": 100.0}
	v, ok = CanonicalValue(rec, FieldConcentration)
	require.True(t, ok)
	require.Equal(t, 100.0, v)
}

func TestSetCanonicalValue_RemovesOtherSpellings(t *testing.T) {
	rec := Record{
		"concentration_mg_ml":  100.0,
		"concentrationMgMl":    150.0,
		"concentration":        200.0,
		"concentrationMgPerMl": 250.0,
	}

	require.NoError(t, SetCanonicalValue(rec, FieldConcentration, 300.0, VocabLocal))
	require.Equal(t, Record{"concentration_mg_ml": 300.0}, rec)

	v, ok := CanonicalValue(rec, FieldConcentration)
	require.True(t, ok)
	require.Equal(t, 300.0, v)

	require.NoError(t, SetCanonicalValue(rec, FieldConcentration, 400.0, VocabRemote))
	require.Equal(t, Record{"concentrationMgMl": 400.0}, rec)
}

func TestSetCanonicalValue_UnknownField(t *testing.T) {
	err := SetCanonicalValue(Record{}, "no_such_field", 1, VocabLocal)
	require.Error(t, err)
}

func TestCanonicalFloat(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		want float64
		ok   bool
	}{
		{"float", Record{"dose_mg": 2.5}, 2.5, true},
		{"int", Record{"dose_mg": 2}, 2, true},
		{"string number", Record{"dose_mg": "2.5"}, 2.5, true},
		{"string with spaces", Record{"dose_mg": " 200 "}, 200, true},
		{"unparseable string", Record{"dose_mg": "two"}, 0, false},
		{"missing", Record{}, 0, false},
		{"nil", Record{"dose_mg": nil}, 0, false},
		{"bool", Record{"dose_mg": true}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := CanonicalFloat(tc.rec, FieldDose)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.want, got)
			}
		})
	}
}

func TestClone_DoesNotAlias(t *testing.T) {
	rec := Record{"id": "r1", "meta": map[string]any{"k": "v"}, "tags": []any{"a"}}
	clone := rec.Clone()

	clone["id"] = "r2"
	clone["meta"].(map[string]any)["k"] = "changed"
	clone["tags"].([]any)[0] = "b"

	require.Equal(t, "r1", rec["id"])
	require.Equal(t, "v", rec["meta"].(map[string]any)["k"])
	require.Equal(t, "a", rec["tags"].([]any)[0])
}

func TestRemainingVolume(t *testing.T) {
	vial := Record{"id": "v1", "total_volume_ml": 3.0, "concentration_mg_ml": 200.0}
	injections := []Record{
		{"id": "i1", "vial_id": "v1", "dose_mg": 100.0},
		{"id": "i2", "vialId": "v1", "doseMg": 100.0}, // remote vocabulary counts too
		{"id": "i3", "vial_id": "other", "dose_mg": 50.0},
	}

	remaining, ok := RemainingVolume(vial, injections)
	require.True(t, ok)
	require.InDelta(t, 2.0, remaining, 1e-9)

	// A linked injection with an unparseable dose makes the result
	// uncomputable, never zero.
	injections = append(injections, Record{"id": "i4", "vial_id": "v1", "dose_mg": "garbage"})
	_, ok = RemainingVolume(vial, injections)
	require.False(t, ok)

	// Missing concentration cannot compute either.
	_, ok = RemainingVolume(Record{"id": "v2", "total_volume_ml": 3.0}, nil)
	require.False(t, ok)
}
