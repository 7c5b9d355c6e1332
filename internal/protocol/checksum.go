package protocol

import "github.com/OneOfOne/xxhash"

// checksumSeed is an arbitrary fixed seed; it only needs to match between
// the two peers computing and comparing digests, not to be
// cryptographically meaningful.
const checksumSeed = 0x726570

// Checksum computes the digest the resync scheduler's checksum branch
// attaches to a ChecksumRequest/VerifyRequest, and that the peer
// recomputes to answer with Match. Grounded on aistore's use of
// OneOfOne/xxhash for content digests (cmn/cos/uuid.go), reused here for
// block-range dedup instead of name hashing.
func Checksum(data []byte) []byte {
	h := xxhash.NewS64(checksumSeed)
	_, _ = h.Write(data)
	sum := h.Sum64()
	return []byte{
		byte(sum >> 56), byte(sum >> 48), byte(sum >> 40), byte(sum >> 32),
		byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum),
	}
}

// ChecksumEqual reports whether two previously-computed digests match.
func ChecksumEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
