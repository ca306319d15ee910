package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bulbflow/internal/fault"
)

var toggleID = Identity{Scope: "LightbulbManagementSvc", Operation: "toggle_lightbulb"}

func TestDeriveDeterministic(t *testing.T) {
	now := time.Unix(1_700_000_010, 0)
	payload := map[string]any{"id": "bulb-1"}

	a, err := Derive(toggleID, payload, 30*time.Second, now)
	require.NoError(t, err)
	b, err := Derive(toggleID, payload, 30*time.Second, now.Add(5*time.Second))
	require.NoError(t, err)

	assert.Equal(t, a, b, "same bucket must yield the same key")
	assert.Len(t, string(a), KeyLength)
	_, err = ParseKey(string(a))
	require.NoError(t, err)
}

func TestDeriveIgnoresFieldOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	type request struct {
		ID   string         `json:"id"`
		Data map[string]any `json:"data"`
	}

	fromStruct := MustDerive(toggleID, request{ID: "bulb-1", Data: map[string]any{"room": "hall", "floor": 2}}, 0, now)
	fromMap := MustDerive(toggleID, map[string]any{"data": map[string]any{"floor": 2, "room": "hall"}, "id": "bulb-1"}, 0, now)
	assert.Equal(t, fromStruct, fromMap)
}

func TestDeriveDifferentBucketsDiffer(t *testing.T) {
	payload := map[string]any{"id": "bulb-1"}
	window := 30 * time.Second
	base := time.Unix(1_700_000_000, 0)

	seen := map[Key]int64{}
	for i := int64(0); i < 20; i++ {
		now := base.Add(time.Duration(i) * window)
		k := MustDerive(toggleID, payload, window, now)
		if prev, dup := seen[k]; dup {
			t.Fatalf("bucket %d collides with bucket %d", i, prev)
		}
		seen[k] = i
	}
}

func TestDeriveWithoutWindowIgnoresTime(t *testing.T) {
	payload := map[string]any{"id": "bulb-1"}
	a := MustDerive(toggleID, payload, 0, time.Unix(0, 0))
	b := MustDerive(toggleID, payload, 0, time.Unix(1_900_000_000, 0))
	assert.Equal(t, a, b)

	windowed := MustDerive(toggleID, payload, time.Minute, time.Unix(0, 0))
	assert.NotEqual(t, a, windowed, "bucketed and unbucketed keys must not coincide")
}

func TestDeriveDistinguishesIdentityAndPayload(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := map[string]any{"id": "bulb-1"}

	base := MustDerive(toggleID, payload, 0, now)
	otherOp := MustDerive(Identity{Scope: toggleID.Scope, Operation: "get_lightbulb"}, payload, 0, now)
	otherScope := MustDerive(Identity{Scope: "OtherSvc", Operation: toggleID.Operation}, payload, 0, now)
	otherPayload := MustDerive(toggleID, map[string]any{"id": "bulb-2"}, 0, now)

	assert.NotEqual(t, base, otherOp)
	assert.NotEqual(t, base, otherScope)
	assert.NotEqual(t, base, otherPayload)
}

func TestDeriveEncodingError(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	_, err := Derive(toggleID, map[string]any{"fn": func() {}}, 0, now)
	require.Error(t, err)
	assert.True(t, fault.IsEncoding(err))

	_, err = Derive(Identity{Operation: "x"}, nil, 0, now)
	require.Error(t, err)
	assert.True(t, fault.IsEncoding(err))
}

func TestDeriveAcceptsNonIntegerNumbers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	type request struct {
		ID   string         `json:"id"`
		Data map[string]any `json:"data"`
	}
	k, err := Derive(toggleID, request{ID: "bulb-1", Data: map[string]any{"brightness": 0.5}}, 30*time.Second, now)
	require.NoError(t, err)
	assert.Len(t, string(k), KeyLength)

	_, err = Derive(toggleID, map[string]any{"serial": uint64(18446744073709551615)}, 0, now)
	require.NoError(t, err)

	whole := MustDerive(toggleID, map[string]any{"id": "bulb-1", "level": 1}, 0, now)
	asFloat := MustDerive(toggleID, map[string]any{"id": "bulb-1", "level": 1.0}, 0, now)
	fromText := MustDerive(toggleID, []byte(`{"id":"bulb-1","level":1.0}`), 0, now)
	assert.Equal(t, whole, asFloat)
	assert.Equal(t, whole, fromText)

	half := MustDerive(toggleID, map[string]any{"id": "bulb-1", "level": 0.5}, 0, now)
	assert.NotEqual(t, whole, half)
}

func TestMustDerivePanics(t *testing.T) {
	assert.Panics(t, func() {
		MustDerive(toggleID, make(chan int), 0, time.Now())
	})
}

func TestBucket(t *testing.T) {
	_, ok := Bucket(time.Unix(100, 0), 0)
	assert.False(t, ok)

	b, ok := Bucket(time.Unix(59, 999), 30*time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(1), b)

	b, _ = Bucket(time.Unix(60, 0), 30*time.Second)
	assert.Equal(t, int64(2), b)

	b, _ = Bucket(time.Unix(-1, 0), 30*time.Second)
	assert.Equal(t, int64(-1), b, "floor, not truncation")
}

func TestHashWithDomainSeparator(t *testing.T) {
	sum := sha256.Sum256([]byte("d\x00data"))
	assert.Equal(t, hex.EncodeToString(sum[:]), hashWithDomain("d", []byte("data")))
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	_, err := ParseKey("abc")
	require.Error(t, err)

	upper := "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789"
	_, err = ParseKey(upper)
	require.Error(t, err)
}

func TestIdentityString(t *testing.T) {
	assert.Equal(t, "LightbulbManagementSvc/toggle_lightbulb", toggleID.String())
}
