package streamer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
)

// stateDigest hashes the tick, generation, pose, and the sorted cache
// membership. Two runs fed the same inputs produce the same digest stream,
// which is how replays detect divergence.
func (s *Streamer) stateDigest(nowTick uint64) string {
	h := sha256.New()
	var buf [8]byte

	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	put(nowTick)
	put(s.store.Generation())
	put(math.Float64bits(s.curX))
	put(math.Float64bits(s.curY))

	for _, e := range s.cache.Entries() {
		put(uint64(int64(e.Tile.IX)))
		put(uint64(int64(e.Tile.IY)))
		put(uint64(e.Handle))
		h.Write([]byte{byte(e.State)})
	}
	return hex.EncodeToString(h.Sum(nil))
}
