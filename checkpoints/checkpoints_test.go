package checkpoints

import (
	"strings"
	"testing"

	ssixcore "github.com/cybersecuresix/ssixd"
)

func testHashAt(b byte) ssixcore.Hash {
	var h ssixcore.Hash
	h[0] = b
	return h
}

func Test_addAndCheck(t *testing.T) {
	c := New()
	h := testHashAt(7)
	if err := c.Add(1000, h.String()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ok, isCp := c.Check(1000, h)
	if !ok || !isCp {
		t.Errorf("Check at pinned height with right hash: ok=%v isCp=%v", ok, isCp)
	}
	ok, isCp = c.Check(1000, testHashAt(8))
	if ok || !isCp {
		t.Errorf("Check at pinned height with wrong hash: ok=%v isCp=%v", ok, isCp)
	}
	ok, isCp = c.Check(999, testHashAt(8))
	if !ok || isCp {
		t.Errorf("Check at unpinned height: ok=%v isCp=%v", ok, isCp)
	}
}

func Test_addConflict(t *testing.T) {
	c := New()
	if err := c.Add(1000, testHashAt(7).String()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add(1000, testHashAt(7).String()); err != nil {
		t.Errorf("re-adding the same pin should be a no-op: %v", err)
	}
	if err := c.Add(1000, testHashAt(8).String()); err == nil {
		t.Errorf("conflicting pin at the same height should be rejected")
	}
}

func Test_isAlternativeBlockAllowed(t *testing.T) {
	c := New()
	if !c.IsAlternativeBlockAllowed(500, 1) {
		t.Errorf("no checkpoints: everything allowed")
	}
	if err := c.Add(1000, testHashAt(1).String()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Chain already past the checkpoint: alt blocks at or below it are
	// frozen out, above it allowed.
	if c.IsAlternativeBlockAllowed(1500, 1000) {
		t.Errorf("alt block at the checkpoint height should be rejected")
	}
	if c.IsAlternativeBlockAllowed(1500, 999) {
		t.Errorf("alt block below the checkpoint should be rejected")
	}
	if !c.IsAlternativeBlockAllowed(1500, 1001) {
		t.Errorf("alt block above the checkpoint should be allowed")
	}

	// Chain not yet at the checkpoint: nothing applies.
	if !c.IsAlternativeBlockAllowed(500, 100) {
		t.Errorf("checkpoint beyond the chain tip should not gate anything")
	}
}

func Test_inCheckpointZone(t *testing.T) {
	c := New()
	if c.InCheckpointZone(1) {
		t.Errorf("empty table has no zone")
	}
	if err := c.Add(1000, testHashAt(1).String()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !c.InCheckpointZone(1000) || !c.InCheckpointZone(1) {
		t.Errorf("heights at or below the top pin are in the zone")
	}
	if c.InCheckpointZone(1001) {
		t.Errorf("heights above the top pin are outside the zone")
	}
}

func Test_loadFromCSV(t *testing.T) {
	h1, h2 := testHashAt(1), testHashAt(2)
	csv := "# pinned history\n" +
		"\n" +
		"100," + h1.String() + "\n" +
		"  200 , " + h2.String() + " \n"
	c := New()
	if err := c.LoadFromCSV(strings.NewReader(csv)); err != nil {
		t.Fatalf("LoadFromCSV: %v", err)
	}
	heights := c.Heights()
	if len(heights) != 2 || heights[0] != 100 || heights[1] != 200 {
		t.Errorf("heights: got %v", heights)
	}
	if ok, _ := c.Check(200, h2); !ok {
		t.Errorf("pin from CSV not honored")
	}
}

func Test_loadFromCSVMalformed(t *testing.T) {
	cases := []string{
		"not-a-number," + testHashAt(1).String(),
		"100",
		"100,zz",
	}
	for _, line := range cases {
		c := New()
		if err := c.LoadFromCSV(strings.NewReader(line)); err == nil {
			t.Errorf("malformed line %q accepted", line)
		}
	}
}

func Test_dnsQuorum(t *testing.T) {
	agreed, disputed := testHashAt(1), testHashAt(2)
	records := map[string][]string{
		"seed1.example": {"100:" + agreed.String(), "200:" + disputed.String()},
		"seed2.example": {"100:" + agreed.String(), "200:" + testHashAt(3).String()},
		"seed3.example": {"100:" + agreed.String(), "garbage"},
	}
	lookup := func(name string) ([]string, error) { return records[name], nil }

	c := New()
	resolvers := []string{"seed1.example", "seed2.example", "seed3.example"}
	if err := c.loadFromDNS(resolvers, lookup); err != nil {
		t.Fatalf("loadFromDNS: %v", err)
	}

	if ok, isCp := c.Check(100, agreed); !ok || !isCp {
		t.Errorf("majority-agreed pin at 100 missing")
	}
	if _, isCp := c.Check(200, disputed); isCp {
		t.Errorf("disputed height 200 should not have reached quorum")
	}
}

func Test_parseDNSRecord(t *testing.T) {
	h := testHashAt(3)
	height, hashHex, err := parseDNSRecord("1500:" + h.String())
	if err != nil {
		t.Fatalf("parseDNSRecord: %v", err)
	}
	if height != 1500 || hashHex != h.String() {
		t.Errorf("parseDNSRecord: got %d %q", height, hashHex)
	}
	if _, _, err := parseDNSRecord("no-colon-here"); err == nil {
		t.Errorf("record without separator accepted")
	}
	if _, _, err := parseDNSRecord("abc:def"); err == nil {
		t.Errorf("non-numeric height accepted")
	}
}
