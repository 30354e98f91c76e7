// Package nostrx holds Nostr kind numbers and tag helpers shared across the core.
package nostrx

// Event kinds consumed and produced by the core.
const (
	KindMetadata         = 0
	KindContactList      = 3
	KindDeletion         = 5
	KindReaction         = 7
	KindGroupChat        = 9
	KindBlossomAuth      = 24242
	KindMlsKeyPackage    = 443
	KindMlsWelcome       = 444
	KindMlsGroupMessage  = 445
	KindRelayList        = 10002
	KindInboxRelays      = 10050
	KindKeyPackageRelays = 10051
)

// Replaceable reports whether the kind follows newest-wins replacement.
func Replaceable(kind int) bool {
	switch kind {
	case KindMetadata, KindContactList, KindRelayList, KindInboxRelays, KindKeyPackageRelays:
		return true
	}
	return false
}
