package book

import (
	"testing"
	"time"

	"optionlevels/internal/levels"
	"optionlevels/internal/models"
)

func TestExpiryCodeRoundTrip(t *testing.T) {
	ts := time.Date(2024, 12, 27, 8, 0, 0, 0, time.UTC)
	code := ExpiryCode(ts)
	if code != 20084 {
		t.Fatalf("unexpected code %d", code)
	}
	if got := ExpiryDate(code); !got.Equal(time.Date(2024, 12, 27, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date %s", got)
	}
}

func TestParseInstrument(t *testing.T) {
	inst, err := ParseInstrument("BTC-27DEC24-100000-C")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if inst.Currency != "BTC" || inst.Strike != 100000 || inst.Type != levels.Call {
		t.Fatalf("unexpected instrument %+v", inst)
	}
	if inst.ExpiryCode != ExpiryCode(time.Date(2024, 12, 27, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected expiry code %d", inst.ExpiryCode)
	}

	inst, err = ParseInstrument("ETH-3JAN25-3500-P-USDT")
	if err != nil {
		t.Fatalf("parse with settle coin: %v", err)
	}
	if inst.Type != levels.Put || inst.Strike != 3500 {
		t.Fatalf("unexpected instrument %+v", inst)
	}

	for _, bad := range []string{"", "BTC-PERPETUAL", "BTC-27XYZ24-100-C", "BTC-27DEC24-abc-C", "BTC-27DEC24-100-X"} {
		if _, err := ParseInstrument(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSelectExpiry(t *testing.T) {
	now := time.Date(2024, 12, 20, 15, 0, 0, 0, time.UTC)
	today := ExpiryCode(now)

	tests := []struct {
		name    string
		volumes map[int]float64
		want    int
		ok      bool
	}{
		{"highest volume in window", map[int]float64{today + 1: 10, today + 3: 50, today + 30: 900}, today + 3, true},
		{"today is excluded", map[int]float64{today: 1000, today + 2: 1}, today + 2, true},
		{"window edge included", map[int]float64{today + 7: 5, today + 8: 50}, today + 7, true},
		{"nearest beyond window", map[int]float64{today + 30: 5, today + 9: 1}, today + 9, true},
		{"tie goes to lower code", map[int]float64{today + 4: 5, today + 2: 5}, today + 2, true},
		{"zero volume ignored", map[int]float64{today + 1: 0, today + 20: 1}, today + 20, true},
		{"nothing after today", map[int]float64{today - 1: 5, today: 5}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectExpiry(tt.volumes, now)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("got (%d, %v), want (%d, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	records := []models.OptionRecord{
		{ExpiryCode: 1, Side: models.SideBuy, Type: levels.Call, Strike: 100, Size: 2, Premium: 5},
		{ExpiryCode: 1, Side: models.SideSell, Type: levels.Put, Strike: 90, Size: 1, Premium: 3},
		{ExpiryCode: 1, Type: levels.Call, Strike: 110, Size: 4, Premium: 1},
		{ExpiryCode: 1, Side: models.SideBuy, Strike: -5, Size: 1},
		{ExpiryCode: 2, Side: models.SideBuy, Strike: 100, Size: 1},
	}
	b, dropped := Build(records, 1)
	if dropped != 1 {
		t.Fatalf("expected one dropped record, got %d", dropped)
	}
	if len(b.Longs) != 2 || len(b.Shorts) != 2 {
		t.Fatalf("unexpected sides: %d longs, %d shorts", len(b.Longs), len(b.Shorts))
	}
	for _, p := range b.Shorts {
		if p.Side != levels.Short {
			t.Fatalf("short side position marked %s", p.Side)
		}
	}
	if b.Longs[1].Strike != 110 || b.Shorts[1].Strike != 110 {
		t.Fatalf("open interest record not mirrored: %+v", b)
	}
}

func TestVolumesAndList(t *testing.T) {
	now := time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)
	today := ExpiryCode(now)
	records := []models.OptionRecord{
		{ExpiryCode: today + 2, Size: 1.5},
		{ExpiryCode: today + 2, Size: 2},
		{ExpiryCode: today + 1, Size: 1},
	}
	vols := Volumes(records)
	if vols[today+2] != 3.5 {
		t.Fatalf("unexpected volume %v", vols[today+2])
	}
	list := ListExpiries(vols, now)
	if len(list) != 2 || list[0].Code != today+1 || list[1].DaysAway != 2 {
		t.Fatalf("unexpected listing %+v", list)
	}
}
