package keychain

import "fmt"

// Kind identifies which branch of the wallet descriptor a script was
// derived from.
type Kind uint8

const (
	// KindReceive is the external branch, handed out as deposit
	// addresses.
	KindReceive Kind = iota

	// KindChange is the internal branch used for change outputs.
	KindChange
)

// Kinds lists every keychain in derivation order.
var Kinds = []Kind{KindReceive, KindChange}

// String returns a human readable name of the keychain.
func (k Kind) String() string {
	switch k {
	case KindReceive:
		return "receive"
	case KindChange:
		return "change"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// IsChange returns true for the internal branch.
func (k Kind) IsChange() bool {
	return k == KindChange
}

// Indexed locates a script within the descriptor.
type Indexed struct {
	Kind  Kind
	Index uint32
}

// IndexedSpk is a derived script along with its position.
type IndexedSpk struct {
	Indexed
	Script []byte
}
