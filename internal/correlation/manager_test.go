package correlation

import "testing"

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

func TestTrackAndTakeConsumesOnce(t *testing.T) {
	m := NewManager()

	upstreamID := m.Track(7, 3, 9, true, true)
	assert(t, upstreamID != 0, "expected a non-zero minted id")

	entry, ok := m.Take(upstreamID)
	assert(t, ok, "expected entry to be found")
	assert(t, entry.DownstreamID == 7, "downstream id should round-trip")
	assert(t, entry.ApiKey == 3, "api key should round-trip")
	assert(t, entry.ApiVersion == 9, "api version should round-trip")
	assert(t, entry.Flexible, "flexible flag should round-trip")

	_, ok = m.Take(upstreamID)
	assert(t, !ok, "second Take for the same id must miss")
}

func TestTakeUnknownIDMisses(t *testing.T) {
	m := NewManager()
	_, ok := m.Take(42)
	assert(t, !ok, "Take on an untracked id must miss")
}

func TestPendingCounts(t *testing.T) {
	m := NewManager()
	id1 := m.Track(1, 0, 0, false, true)
	m.Track(2, 0, 0, false, true)
	assert(t, m.Pending() == 2, "expected two pending entries")

	m.Take(id1)
	assert(t, m.Pending() == 1, "expected one pending entry after Take")
}

func TestMintedIDsAreUnique(t *testing.T) {
	m := NewManager()
	seen := make(map[int32]bool)
	for i := 0; i < 100; i++ {
		id := m.Track(int32(i), 0, 0, false, true)
		assert(t, !seen[id], "minted ids must not repeat")
		seen[id] = true
	}
}

func TestTrackWithoutResponseMintsIDButStoresNoEntry(t *testing.T) {
	m := NewManager()
	id := m.Track(1, 0, 0, false, false)
	assert(t, id != 0, "expected a non-zero minted id even with hasResponse false")
	assert(t, m.Pending() == 0, "a no-response request must not grow the pending set")

	_, ok := m.Take(id)
	assert(t, !ok, "Take must miss for an id that was never stored")
}

func TestTrackInternalDeliversOnResponseChannel(t *testing.T) {
	m := NewManager()
	id, ch := m.TrackInternal(3, 9, false)

	entry, ok := m.Take(id)
	assert(t, ok, "expected the internal entry to be found")
	assert(t, entry.Internal, "entry minted by TrackInternal must be marked Internal")
	assert(t, entry.ResponseCh == ch, "Take must return the same channel TrackInternal handed back")

	ch <- []byte("payload")
	assert(t, string(<-entry.ResponseCh) == "payload", "the channel must carry the response payload through")
}
