// Package mls is the built-in MLS provider: per-account group state with
// epoch secret chains, sealed group messaging and welcome processing.
//
// It exposes the primitive contract the rest of the core is written
// against (create_group, add_members, remove_members, self_update,
// process_welcome, process_message, export_secret); a tree-based MLS
// implementation can replace it behind the same surface.
package mls

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise-im/whitenoise/internal/errs"
)

// KeyPackage is the parsed view of a kind-443 event: a pre-published
// credential allowing a user to be added without interaction.
type KeyPackage struct {
	Pubkey  string `json:"pubkey"`
	EventID string `json:"event_id"`
}

// GroupConfig is the creator-supplied group description.
type GroupConfig struct {
	Name        string
	Description string
	Relays      []string
}

// GroupState is the per-group MLS state held by a session.
type GroupState struct {
	MlsGroupID   string   `json:"mls_group_id"`
	NostrGroupID string   `json:"nostr_group_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Members      []string `json:"members"`
	Admins       []string `json:"admins"`
	Relays       []string `json:"relays"`
	Epoch        uint64   `json:"epoch"`

	// Secrets maps epoch → epoch secret; older entries let messages sealed
	// at previous epochs still decrypt.
	Secrets map[uint64][]byte `json:"secrets"`
}

// clone deep-copies the state for snapshots.
func (g *GroupState) clone() *GroupState {
	cp := *g
	cp.Members = slices.Clone(g.Members)
	cp.Admins = slices.Clone(g.Admins)
	cp.Relays = slices.Clone(g.Relays)
	cp.Secrets = make(map[uint64][]byte, len(g.Secrets))
	for k, v := range g.Secrets {
		cp.Secrets[k] = slices.Clone(v)
	}
	return &cp
}

// Welcome is an invitation sealed to one recipient, sent as kind 444.
type Welcome struct {
	Recipient string
	Content   string
}

// Commit is an epoch transition to broadcast as kind 445.
type Commit struct {
	NewEpoch uint64
	Added    []string
	Removed  []string
	Content  string
}

// commitPayload is the sealed wire form of a commit.
type commitPayload struct {
	Type      string            `json:"type"` // "commit"
	Committer string            `json:"committer"`
	NewEpoch  uint64            `json:"new_epoch"`
	Added     []string          `json:"added,omitempty"`
	Removed   []string          `json:"removed,omitempty"`
	// Wrapped holds the commit secret sealed per remaining member.
	Wrapped map[string]string `json:"wrapped"`
}

// applicationPayload wraps one signed inner event.
type applicationPayload struct {
	Type  string       `json:"type"` // "application"
	Inner *nostr.Event `json:"inner"`
}

// Session is one account's MLS store. All methods are safe for concurrent
// use, though the group coordinator serializes mutations anyway.
type Session struct {
	pubkey  string
	privkey string
	dir     string

	mu     sync.Mutex
	groups map[string]*GroupState
}

// OpenSession loads (or initializes) the MLS store under dir.
func OpenSession(dir, pubkey, privkey string) (*Session, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.E(errs.KindMls, "mls.OpenSession", err)
	}
	s := &Session{pubkey: pubkey, privkey: privkey, dir: dir, groups: make(map[string]*GroupState)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.E(errs.KindMls, "mls.OpenSession", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, errs.E(errs.KindMls, "mls.OpenSession", err)
		}
		var g GroupState
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, errs.E(errs.KindMls, "mls.OpenSession", err)
		}
		s.groups[g.MlsGroupID] = &g
	}
	return s, nil
}

// Close releases the session. State is persisted on every mutation, so
// nothing is flushed here.
func (s *Session) Close() error { return nil }

// Pubkey returns the identity this session belongs to.
func (s *Session) Pubkey() string { return s.pubkey }

func (s *Session) persist(g *GroupState) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return errs.E(errs.KindMls, "mls.persist", err)
	}
	path := filepath.Join(s.dir, g.MlsGroupID+".json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return errs.E(errs.KindMls, "mls.persist", err)
	}
	return nil
}

func (s *Session) group(id string) (*GroupState, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, errs.ErrUnknownGroup
	}
	return g, nil
}

// GroupIDs lists every group known to the session.
func (s *Session) GroupIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Members returns the current member set of a group.
func (s *Session) Members(groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(groupID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(g.Members), nil
}

// State returns a snapshot of the group state.
func (s *Session) State(groupID string) (*GroupState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(groupID)
	if err != nil {
		return nil, err
	}
	return g.clone(), nil
}

// Snapshot captures group state for rollback; Restore reverses a failed
// commit by reinstating it.
func (s *Session) Snapshot(groupID string) (*GroupState, error) {
	return s.State(groupID)
}

// Restore reinstates a previously captured snapshot and persists it.
func (s *Session) Restore(snapshot *GroupState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[snapshot.MlsGroupID] = snapshot.clone()
	return s.persist(s.groups[snapshot.MlsGroupID])
}

// CreateKeyPackage returns the kind-443 content advertising this identity.
func (s *Session) CreateKeyPackage() (string, error) {
	raw, err := json.Marshal(KeyPackage{Pubkey: s.pubkey})
	if err != nil {
		return "", errs.E(errs.KindMls, "mls.CreateKeyPackage", err)
	}
	return string(raw), nil
}

// ParseKeyPackage reads a kind-443 event into a KeyPackage.
func ParseKeyPackage(ev *nostr.Event) (KeyPackage, error) {
	var kp KeyPackage
	if err := json.Unmarshal([]byte(ev.Content), &kp); err != nil {
		return KeyPackage{}, errs.E(errs.KindMls, "mls.ParseKeyPackage", err)
	}
	if kp.Pubkey != ev.PubKey {
		return KeyPackage{}, errs.Ef(errs.KindMls, "mls.ParseKeyPackage",
			"key package pubkey %s does not match author %s", kp.Pubkey, ev.PubKey)
	}
	kp.EventID = ev.ID
	return kp, nil
}

// CreateGroup builds the initial group at epoch 0 with the creator plus the
// given members, and seals one welcome per member.
func (s *Session) CreateGroup(cfg GroupConfig, members []KeyPackage, admins []string) (*GroupState, []Welcome, error) {
	idRaw, err := randBytes(32)
	if err != nil {
		return nil, nil, errs.E(errs.KindMls, "mls.CreateGroup", err)
	}
	nostrIDRaw, err := randBytes(32)
	if err != nil {
		return nil, nil, errs.E(errs.KindMls, "mls.CreateGroup", err)
	}
	secret, err := randBytes(secretLen)
	if err != nil {
		return nil, nil, errs.E(errs.KindMls, "mls.CreateGroup", err)
	}

	memberSet := []string{s.pubkey}
	for _, kp := range members {
		if !slices.Contains(memberSet, kp.Pubkey) {
			memberSet = append(memberSet, kp.Pubkey)
		}
	}
	if !slices.Contains(admins, s.pubkey) {
		admins = append(slices.Clone(admins), s.pubkey)
	}

	g := &GroupState{
		MlsGroupID:   hex.EncodeToString(idRaw),
		NostrGroupID: hex.EncodeToString(nostrIDRaw),
		Name:         cfg.Name,
		Description:  cfg.Description,
		Members:      memberSet,
		Admins:       admins,
		Relays:       slices.Clone(cfg.Relays),
		Epoch:        0,
		Secrets:      map[uint64][]byte{0: secret},
	}

	welcomes := make([]Welcome, 0, len(members))
	for _, kp := range members {
		if kp.Pubkey == s.pubkey {
			continue
		}
		w, err := s.sealWelcome(g, kp.Pubkey)
		if err != nil {
			return nil, nil, err
		}
		welcomes = append(welcomes, w)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.MlsGroupID] = g
	if err := s.persist(g); err != nil {
		delete(s.groups, g.MlsGroupID)
		return nil, nil, err
	}
	return g.clone(), welcomes, nil
}

// AddMembers produces a commit adding the given key packages plus one
// welcome per new member, sealed at the new epoch.
func (s *Session) AddMembers(groupID string, kps []KeyPackage) (*Commit, []Welcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(groupID)
	if err != nil {
		return nil, nil, err
	}

	var added []string
	for _, kp := range kps {
		if slices.Contains(g.Members, kp.Pubkey) || slices.Contains(added, kp.Pubkey) {
			continue
		}
		added = append(added, kp.Pubkey)
	}
	if len(added) == 0 {
		return nil, nil, errs.Ef(errs.KindMls, "mls.AddMembers", "no new members")
	}

	commit, err := s.buildCommit(g, added, nil)
	if err != nil {
		return nil, nil, err
	}

	welcomes := make([]Welcome, 0, len(added))
	for _, pk := range added {
		w, err := s.sealWelcome(g, pk)
		if err != nil {
			return nil, nil, err
		}
		welcomes = append(welcomes, w)
	}
	if err := s.persist(g); err != nil {
		return nil, nil, err
	}
	return commit, welcomes, nil
}

// RemoveMembers produces a commit removing the given pubkeys. Every pubkey
// must currently be a member.
func (s *Session) RemoveMembers(groupID string, pubkeys []string) (*Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(groupID)
	if err != nil {
		return nil, err
	}
	for _, pk := range pubkeys {
		if !slices.Contains(g.Members, pk) {
			return nil, errs.E(errs.KindMls, "mls.RemoveMembers",
				fmt.Errorf("%w: %s", errs.ErrUnknownMember, pk))
		}
	}
	commit, err := s.buildCommit(g, nil, pubkeys)
	if err != nil {
		return nil, err
	}
	if err := s.persist(g); err != nil {
		return nil, err
	}
	return commit, nil
}

// SelfUpdate rotates the epoch secret without changing membership.
func (s *Session) SelfUpdate(groupID string) (*Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(groupID)
	if err != nil {
		return nil, err
	}
	commit, err := s.buildCommit(g, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := s.persist(g); err != nil {
		return nil, err
	}
	return commit, nil
}

// ExportSecret derives `length` bytes from the current epoch secret under
// the given label.
func (s *Session) ExportSecret(groupID, label string, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(groupID)
	if err != nil {
		return nil, err
	}
	secret, ok := g.Secrets[g.Epoch]
	if !ok {
		return nil, errs.E(errs.KindMls, "mls.ExportSecret", errs.ErrEpochMismatch)
	}
	out, err := deriveSecret(secret, "whitenoise-exporter:"+label, length)
	if err != nil {
		return nil, errs.E(errs.KindMls, "mls.ExportSecret", err)
	}
	return out, nil
}
