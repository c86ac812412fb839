package wire

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/brunokim/causaltree/crdt"
	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// weaveDomainKey separates weave fingerprints from other uses of BLAKE3. It's the ASCII encoding
// of the domain name, zero-padded to 32 bytes.
var weaveDomainKey = [32]byte{
	'c', 'a', 'u', 's', 'a', 'l', 't', 'r', 'e', 'e', '.', 'w', 'e', 'a', 'v', 'e',
}

// Fingerprint returns a hash of the tree's weave.
//
// Atoms are identified by their site UUID, so the fingerprint doesn't depend on the local IDs
// assigned by each replica. Converged replicas have the same fingerprint.
func Fingerprint[V crdt.Value](t *crdt.CausalTree[V]) Hash {
	return FingerprintWeave(t.Sites(), t.Weave())
}

// FingerprintWeave returns a hash of the atoms' order, with site IDs resolved by sites.
// Each atom contributes its site UUID, yarn index and timestamp.
func FingerprintWeave[V crdt.Value](sites *crdt.SiteMap, weave crdt.AtomsSlice[V]) Hash {
	// NewKeyed only fails for keys that aren't 32 bytes long.
	hasher, err := blake3.NewKeyed(weaveDomainKey[:])
	if err != nil {
		panic("wire: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var buf [24]byte
	for atom := range weave.Values() {
		id := sites.UUID(atom.ID.Site)
		copy(buf[:16], id[:])
		binary.BigEndian.PutUint32(buf[16:20], atom.ID.Index)
		binary.BigEndian.PutUint32(buf[20:24], atom.Timestamp)
		hasher.Write(buf[:])
	}
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
