package mls

import (
	"encoding/json"
	"slices"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/whitenoise-im/whitenoise/internal/errs"
)

// welcomePayload is the nip44-sealed body of a kind-444 event: the full
// group state at the epoch the invitee joins.
type welcomePayload struct {
	Group *GroupState `json:"group"`
}

// conversationKey derives the nip44 key between this session and peer.
func (s *Session) conversationKey(peerPubkey string) ([]byte, error) {
	key, err := nip44.GenerateConversationKey(peerPubkey, s.privkey)
	if err != nil {
		return nil, errs.E(errs.KindMls, "mls.conversationKey", err)
	}
	return key, nil
}

// sealWelcome encrypts the current group state to one recipient. Only the
// joining epoch's secret is included: new members cannot read history.
func (s *Session) sealWelcome(g *GroupState, recipient string) (Welcome, error) {
	snap := g.clone()
	snap.Secrets = map[uint64][]byte{}
	if secret, ok := g.Secrets[g.Epoch]; ok {
		snap.Secrets[g.Epoch] = secret
	}
	raw, err := json.Marshal(welcomePayload{Group: snap})
	if err != nil {
		return Welcome{}, errs.E(errs.KindMls, "mls.sealWelcome", err)
	}
	key, err := s.conversationKey(recipient)
	if err != nil {
		return Welcome{}, err
	}
	ct, err := nip44.Encrypt(string(raw), key)
	if err != nil {
		return Welcome{}, errs.E(errs.KindMls, "mls.sealWelcome", err)
	}
	return Welcome{Recipient: recipient, Content: ct}, nil
}

// ProcessWelcome decrypts a kind-444 payload from welcomer and installs the
// group state it carries. Processing the same welcome twice is idempotent.
func (s *Session) ProcessWelcome(welcomer, content string) (*GroupState, error) {
	key, err := s.conversationKey(welcomer)
	if err != nil {
		return nil, err
	}
	plain, err := nip44.Decrypt(content, key)
	if err != nil {
		return nil, errs.E(errs.KindMls, "mls.ProcessWelcome", errs.ErrDecryptionFailure)
	}
	var wp welcomePayload
	if err := json.Unmarshal([]byte(plain), &wp); err != nil || wp.Group == nil {
		return nil, errs.E(errs.KindMls, "mls.ProcessWelcome", errs.ErrDecryptionFailure)
	}
	g := wp.Group
	if !slices.Contains(g.Members, s.pubkey) {
		return nil, errs.Ef(errs.KindMls, "mls.ProcessWelcome", "welcome does not include us")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.groups[g.MlsGroupID]; ok && existing.Epoch >= g.Epoch {
		return existing.clone(), nil
	}
	s.groups[g.MlsGroupID] = g
	if err := s.persist(g); err != nil {
		return nil, err
	}
	return g.clone(), nil
}

// PreviewWelcome decrypts a welcome without installing any state.
func (s *Session) PreviewWelcome(welcomer, content string) (*GroupState, error) {
	key, err := s.conversationKey(welcomer)
	if err != nil {
		return nil, err
	}
	plain, err := nip44.Decrypt(content, key)
	if err != nil {
		return nil, errs.E(errs.KindMls, "mls.PreviewWelcome", errs.ErrDecryptionFailure)
	}
	var wp welcomePayload
	if err := json.Unmarshal([]byte(plain), &wp); err != nil || wp.Group == nil {
		return nil, errs.E(errs.KindMls, "mls.PreviewWelcome", errs.ErrDecryptionFailure)
	}
	return wp.Group, nil
}

// buildCommit advances g one epoch, applying membership changes and sealing
// the commit secret to every post-commit member. Callers hold s.mu.
func (s *Session) buildCommit(g *GroupState, added, removed []string) (*Commit, error) {
	oldSecret, ok := g.Secrets[g.Epoch]
	if !ok {
		return nil, errs.E(errs.KindMls, "mls.buildCommit", errs.ErrEpochMismatch)
	}
	commitSecret, err := randBytes(secretLen)
	if err != nil {
		return nil, errs.E(errs.KindMls, "mls.buildCommit", err)
	}

	newEpoch := g.Epoch + 1
	members := slices.Clone(g.Members)
	for _, pk := range added {
		if !slices.Contains(members, pk) {
			members = append(members, pk)
		}
	}
	for _, pk := range removed {
		if i := slices.Index(members, pk); i >= 0 {
			members = slices.Delete(members, i, i+1)
		}
	}

	wrapped := make(map[string]string, len(members))
	for _, pk := range members {
		key, err := s.conversationKey(pk)
		if err != nil {
			return nil, err
		}
		ct, err := nip44.Encrypt(string(commitSecret), key)
		if err != nil {
			return nil, errs.E(errs.KindMls, "mls.buildCommit", err)
		}
		wrapped[pk] = ct
	}

	payload := commitPayload{
		Type:      "commit",
		Committer: s.pubkey,
		NewEpoch:  newEpoch,
		Added:     added,
		Removed:   removed,
		Wrapped:   wrapped,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.E(errs.KindMls, "mls.buildCommit", err)
	}
	// Commits are sealed under the old epoch so current members can read
	// them; the wrapped map is what excludes removed members going forward.
	content, err := sealPayload(oldSecret, g.Epoch, raw)
	if err != nil {
		return nil, errs.E(errs.KindMls, "mls.buildCommit", err)
	}

	newSecret, err := nextEpochSecret(oldSecret, commitSecret, newEpoch)
	if err != nil {
		return nil, errs.E(errs.KindMls, "mls.buildCommit", err)
	}
	g.Members = members
	for _, pk := range removed {
		if i := slices.Index(g.Admins, pk); i >= 0 {
			g.Admins = slices.Delete(slices.Clone(g.Admins), i, i+1)
		}
	}
	g.Epoch = newEpoch
	g.Secrets[newEpoch] = newSecret

	return &Commit{NewEpoch: newEpoch, Added: added, Removed: removed, Content: content}, nil
}

// CreateMessage seals a signed inner event into kind-445 content at the
// current epoch.
func (s *Session) CreateMessage(groupID string, inner *nostr.Event) (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(groupID)
	if err != nil {
		return "", 0, err
	}
	secret, ok := g.Secrets[g.Epoch]
	if !ok {
		return "", 0, errs.E(errs.KindMls, "mls.CreateMessage", errs.ErrEpochMismatch)
	}
	raw, err := json.Marshal(applicationPayload{Type: "application", Inner: inner})
	if err != nil {
		return "", 0, errs.E(errs.KindMls, "mls.CreateMessage", err)
	}
	content, err := sealPayload(secret, g.Epoch, raw)
	if err != nil {
		return "", 0, errs.E(errs.KindMls, "mls.CreateMessage", err)
	}
	return content, g.Epoch, nil
}

// ProcessedMessage is the outcome of ProcessMessage: either a decrypted
// inner event or an applied commit.
type ProcessedMessage struct {
	Inner  *nostr.Event // nil for commits
	Epoch  uint64       // epoch the payload was sealed at
	Commit bool
}

// ProcessMessage decrypts kind-445 content for a group. Application
// payloads yield the inner event; commit payloads advance local state.
func (s *Session) ProcessMessage(groupID, content string) (*ProcessedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(groupID)
	if err != nil {
		return nil, err
	}
	epoch, err := payloadEpoch(content)
	if err != nil {
		return nil, err
	}
	secret, ok := g.Secrets[epoch]
	if !ok {
		return nil, errs.E(errs.KindMls, "mls.ProcessMessage", errs.ErrEpochMismatch)
	}
	plain, err := openPayload(secret, content)
	if err != nil {
		return nil, err
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(plain, &head); err != nil {
		return nil, errs.E(errs.KindMls, "mls.ProcessMessage", errs.ErrDecryptionFailure)
	}

	switch head.Type {
	case "application":
		var ap applicationPayload
		if err := json.Unmarshal(plain, &ap); err != nil || ap.Inner == nil {
			return nil, errs.E(errs.KindMls, "mls.ProcessMessage", errs.ErrDecryptionFailure)
		}
		if ok, err := ap.Inner.CheckSignature(); err != nil || !ok {
			return nil, errs.Ef(errs.KindMls, "mls.ProcessMessage", "inner event signature invalid")
		}
		return &ProcessedMessage{Inner: ap.Inner, Epoch: epoch}, nil

	case "commit":
		var cp commitPayload
		if err := json.Unmarshal(plain, &cp); err != nil {
			return nil, errs.E(errs.KindMls, "mls.ProcessMessage", errs.ErrDecryptionFailure)
		}
		if err := s.applyCommit(g, &cp); err != nil {
			return nil, err
		}
		return &ProcessedMessage{Epoch: epoch, Commit: true}, nil

	default:
		return nil, errs.Ef(errs.KindMls, "mls.ProcessMessage", "unknown payload type %q", head.Type)
	}
}

// applyCommit advances local state to the commit's epoch. Callers hold s.mu.
func (s *Session) applyCommit(g *GroupState, cp *commitPayload) error {
	if cp.NewEpoch <= g.Epoch {
		// Already applied (our own commit, or a replay). Idempotent.
		return nil
	}
	if cp.NewEpoch != g.Epoch+1 {
		return errs.E(errs.KindMls, "mls.applyCommit", errs.ErrEpochMismatch)
	}

	sealed, ok := cp.Wrapped[s.pubkey]
	if !ok {
		// We were removed; freeze at the old epoch.
		if i := slices.Index(g.Members, s.pubkey); i >= 0 {
			g.Members = slices.Delete(slices.Clone(g.Members), i, i+1)
		}
		return s.persist(g)
	}
	key, err := s.conversationKey(cp.Committer)
	if err != nil {
		return err
	}
	commitSecret, err := nip44.Decrypt(sealed, key)
	if err != nil {
		return errs.E(errs.KindMls, "mls.applyCommit", errs.ErrDecryptionFailure)
	}
	oldSecret := g.Secrets[g.Epoch]
	newSecret, err := nextEpochSecret(oldSecret, []byte(commitSecret), cp.NewEpoch)
	if err != nil {
		return errs.E(errs.KindMls, "mls.applyCommit", err)
	}

	for _, pk := range cp.Added {
		if !slices.Contains(g.Members, pk) {
			g.Members = append(g.Members, pk)
		}
	}
	for _, pk := range cp.Removed {
		if i := slices.Index(g.Members, pk); i >= 0 {
			g.Members = slices.Delete(g.Members, i, i+1)
		}
		if i := slices.Index(g.Admins, pk); i >= 0 {
			g.Admins = slices.Delete(g.Admins, i, i+1)
		}
	}
	g.Epoch = cp.NewEpoch
	g.Secrets[cp.NewEpoch] = newSecret
	return s.persist(g)
}
