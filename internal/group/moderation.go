package group

import (
	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/proto"
)

// Moderator list.

func (c *Chat) modIndex(sigKey [crypto.SigPublicKeySize]byte) int {
	for i := range c.mods {
		if c.mods[i] == sigKey {
			return i
		}
	}
	return -1
}

// isModOrFounderSig reports whether sigKey holds authority: the founder's
// signature key or a moderator seat.
func (c *Chat) isModOrFounderSig(sigKey [crypto.SigPublicKeySize]byte) bool {
	if c.sharedState.FounderKey.Sig() == sigKey {
		return true
	}
	return c.modIndex(sigKey) != -1
}

// isChosenSyncMod reports whether sigKey is the designated sync moderator:
// the authority key closest to the chat id. Exactly one seat holds this at a
// time, which is what keeps duplicate-ban-id repair from racing.
func (c *Chat) isChosenSyncMod(sigKey [crypto.SigPublicKeySize]byte) bool {
	chatID := c.chatID()
	for i := range c.mods {
		if c.mods[i] != sigKey && crypto.IDCloser(chatID, c.mods[i], sigKey) {
			return false
		}
	}
	founderSig := c.sharedState.FounderKey.Sig()
	if founderSig != sigKey && crypto.IDCloser(chatID, founderSig, sigKey) {
		return false
	}
	return true
}

func (c *Chat) packedModList() []byte {
	w := proto.NewWriter(len(c.mods) * crypto.SigPublicKeySize)
	for i := range c.mods {
		w.Bytes(c.mods[i][:])
	}
	return w.Data()
}

// modListHash is zero for an empty list.
func (c *Chat) modListHash() [crypto.ListHashSize]byte {
	if len(c.mods) == 0 {
		return [crypto.ListHashSize]byte{}
	}
	return crypto.ListHash(c.packedModList())
}

func (c *Chat) modAdd(sigKey [crypto.SigPublicKeySize]byte) error {
	if len(c.mods) >= proto.MaxModerators {
		return ErrBadArgument
	}
	if c.modIndex(sigKey) != -1 {
		return ErrBadArgument
	}
	c.mods = append(c.mods, sigKey)
	return nil
}

func (c *Chat) modRemove(sigKey [crypto.SigPublicKeySize]byte) error {
	idx := c.modIndex(sigKey)
	if idx == -1 {
		return ErrBadArgument
	}
	last := len(c.mods) - 1
	c.mods[idx] = c.mods[last]
	c.mods = c.mods[:last]
	return nil
}

// modListPayload is (sender hash, count, entries).
func (c *Chat) modListPayload() []byte {
	w := c.payloadWriter(2 + len(c.mods)*crypto.SigPublicKeySize)
	w.U16(uint16(len(c.mods)))
	w.Bytes(c.packedModList())
	return w.Data()
}

func (c *Chat) sendModList(conn *Connection) error {
	return c.sendLossless(conn, proto.TypeModList, c.modListPayload())
}

func (c *Chat) broadcastModList() error {
	c.sendLosslessAll(proto.TypeModList, c.modListPayload())
	return nil
}

// handleModList installs a moderator list only when its hash matches the one
// bound into the held shared state. The founder's own list is never replaced.
func (c *Chat) handleModList(index int, payload []byte) {
	if c.isFounder() {
		return
	}
	r := proto.NewReader(payload)
	num := int(r.U16())
	if r.Err() != nil || num > proto.MaxModerators {
		c.modListRecovery(index)
		return
	}
	incoming := make([][crypto.SigPublicKeySize]byte, 0, num)
	for i := 0; i < num; i++ {
		incoming = append(incoming, r.Array32())
	}
	if r.Err() != nil {
		c.modListRecovery(index)
		return
	}

	old := c.mods
	c.mods = incoming
	if c.modListHash() != c.sharedState.ModListHash {
		c.mods = old
		c.modListRecovery(index)
		return
	}

	// Our own role may have just changed out from under us.
	if !c.validateRole(0) {
		c.members[0].peer.Role = proto.RoleUser
	}
}

func (c *Chat) modListRecovery(index int) {
	debuglog.Debugf("group %d: bad mod list from peer %d", c.groupNumber, index)
	c.peerDelete(index, []byte("bad mod list"))

	if c.sharedState.Version == 0 {
		c.connectionState = csDisconnected
		return
	}
	if len(c.members) <= 1 {
		return
	}
	_ = c.sendSyncRequest(c.members[1].conn)
}

// Sanctions list.

func (c *Chat) isObserver(encKey [crypto.EncPublicKeySize]byte) bool {
	for i := range c.sanctions {
		if c.sanctions[i].Type == proto.SanctionObserver && c.sanctions[i].TargetKey == encKey {
			return true
		}
	}
	return false
}

func (c *Chat) isIPBanned(addr proto.IPPort) bool {
	for i := range c.sanctions {
		if c.sanctions[i].Type == proto.SanctionBan && c.sanctions[i].BanAddr.SameIP(addr) {
			return true
		}
	}
	return false
}

func (c *Chat) banTimeSet(banID uint32) uint64 {
	for i := range c.sanctions {
		if c.sanctions[i].Type == proto.SanctionBan && c.sanctions[i].BanID == banID {
			return c.sanctions[i].TimeSet
		}
	}
	return 0
}

func (c *Chat) newBanID() uint32 {
	var next uint32
	for i := range c.sanctions {
		if c.sanctions[i].Type == proto.SanctionBan && c.sanctions[i].BanID >= next {
			next = c.sanctions[i].BanID + 1
		}
	}
	return next
}

// makeSanctionCreds advances the credentials under our own signature.
// Callers must be seated as moderator or founder.
func (c *Chat) makeSanctionCreds() error {
	old := c.sanctionsCreds
	c.sanctionsCreds.Version++
	c.sanctionsCreds.SignerKey = c.selfPK.Sig()
	c.sanctionsCreds.Hash = proto.SanctionListHash(c.sanctions, c.sanctionsCreds.Version)
	c.sanctionsCreds.Signature = crypto.Sign(c.selfSK.SigSeed(), c.sanctionsCreds.Hash[:])
	if !crypto.Verify(c.selfPK.Sig(), c.sanctionsCreds.Hash[:], c.sanctionsCreds.Signature) {
		c.sanctionsCreds = old
		return ErrSendFailed
	}
	return nil
}

// validateSanctionCreds checks incoming credentials against a candidate
// list: authorized signer, matching hash, non-decreasing version, valid
// signature.
func (c *Chat) validateSanctionCreds(list []proto.Sanction, creds *proto.SanctionCreds) bool {
	if !c.isModOrFounderSig(creds.SignerKey) {
		return false
	}
	if proto.SanctionListHash(list, creds.Version) != creds.Hash {
		return false
	}
	if creds.Version < c.sanctionsCreds.Version &&
		!(creds.Version == 0 && c.sanctionsCreds.Version == ^uint32(0)) {
		return false
	}
	return crypto.Verify(creds.SignerKey, creds.Hash[:], creds.Signature)
}

// Entry validation outcomes.
const (
	entryValid = iota
	entryInvalid
	entryDupBanID
)

// validateSanctionEntry verifies one entry's authority, bounds, and
// signature.
func (c *Chat) validateSanctionEntry(s *proto.Sanction) int {
	if !c.isModOrFounderSig(s.SignerKey) {
		return entryInvalid
	}
	if s.Type >= proto.SanctionInvalid || s.TimeSet == 0 {
		return entryInvalid
	}
	dup := false
	if s.Type == proto.SanctionBan {
		if len(s.BanNick) == 0 || len(s.BanNick) > proto.MaxNickSize {
			return entryInvalid
		}
		if !s.BanAddr.IsSet() {
			return entryInvalid
		}
		dup = c.banTimeSet(s.BanID) != 0
	}
	if !crypto.Verify(s.SignerKey, s.SignedBytes(), s.Signature) {
		return entryInvalid
	}
	if dup {
		return entryDupBanID
	}
	return entryValid
}

func (c *Chat) sanctionExists(s *proto.Sanction) bool {
	if s.Type == proto.SanctionBan {
		return c.isIPBanned(s.BanAddr)
	}
	return c.isObserver(s.TargetKey)
}

// checkSanctionsIntegrity validates every entry plus the credentials of a
// full incoming list.
func (c *Chat) checkSanctionsIntegrity(list []proto.Sanction, creds *proto.SanctionCreds) bool {
	for i := range list {
		if c.validateSanctionEntry(&list[i]) != entryValid {
			return false
		}
	}
	return c.validateSanctionCreds(list, creds)
}

func (c *Chat) signSanctionEntry(s *proto.Sanction) {
	s.Signature = crypto.Sign(c.selfSK.SigSeed(), s.SignedBytes())
}

// fixDuplicateBanID re-assigns and re-signs under our key every ban entry
// colliding on banID; the caller re-broadcasts the list. Run only by the
// designated sync moderator.
func (c *Chat) fixDuplicateBanID(banID uint32) error {
	for i := 0; i < len(c.sanctions); i++ {
		if c.sanctions[i].Type != proto.SanctionBan || c.sanctions[i].BanID != banID {
			continue
		}
		fixed := c.sanctions[i]
		fixed.BanID = c.newBanID()
		fixed.SignerKey = c.selfPK.Sig()
		c.signSanctionEntry(&fixed)

		c.removeSanctionIndex(i, nil)
		c.sanctions = append(c.sanctions, fixed)
		if err := c.makeSanctionCreds(); err != nil {
			return err
		}
		i--
	}
	return nil
}

// addSanction validates and installs one entry. With creds the new list is
// checked against them; without, the caller advances credentials itself.
func (c *Chat) addSanction(s proto.Sanction, creds *proto.SanctionCreds) error {
	if len(c.sanctions) >= proto.MaxSanctions {
		return ErrBadArgument
	}

	switch c.validateSanctionEntry(&s) {
	case entryInvalid:
		return ErrBadArgument
	case entryDupBanID:
		// Only the designated sync moderator repairs the collision;
		// everyone else drops the entry and waits for the fixed list.
		if !c.isModOrFounderSig(c.selfPK.Sig()) || !c.isChosenSyncMod(c.selfPK.Sig()) {
			return ErrBadArgument
		}
		if err := c.fixDuplicateBanID(s.BanID); err != nil {
			return err
		}
		defer func() { _ = c.broadcastSanctionsList() }()
	}

	if c.sanctionExists(&s) {
		return ErrBadArgument
	}

	candidate := append(append([]proto.Sanction(nil), c.sanctions...), s)
	if creds != nil {
		if !c.validateSanctionCreds(candidate, creds) {
			return ErrBadArgument
		}
		c.sanctionsCreds = *creds
	}
	c.sanctions = candidate
	return nil
}

// removeSanctionIndex drops one entry, validating new credentials if given.
func (c *Chat) removeSanctionIndex(index int, creds *proto.SanctionCreds) bool {
	if index < 0 || index >= len(c.sanctions) {
		return false
	}
	candidate := append([]proto.Sanction(nil), c.sanctions...)
	last := len(candidate) - 1
	candidate[index] = candidate[last]
	candidate = candidate[:last]

	if creds != nil {
		if !c.validateSanctionCreds(candidate, creds) {
			return false
		}
		c.sanctionsCreds = *creds
	}
	c.sanctions = candidate
	return true
}

// removeBan drops the ban with banID. A nil creds means we are the authority
// and mint fresh credentials.
func (c *Chat) removeBan(banID uint32, creds *proto.SanctionCreds) error {
	for i := range c.sanctions {
		if c.sanctions[i].Type != proto.SanctionBan || c.sanctions[i].BanID != banID {
			continue
		}
		if !c.removeSanctionIndex(i, creds) {
			return ErrBadArgument
		}
		if creds == nil {
			return c.makeSanctionCreds()
		}
		return nil
	}
	return ErrBadArgument
}

// removeObserver drops the observer entry for encKey.
func (c *Chat) removeObserver(encKey [crypto.EncPublicKeySize]byte, creds *proto.SanctionCreds) error {
	for i := range c.sanctions {
		if c.sanctions[i].Type != proto.SanctionObserver || c.sanctions[i].TargetKey != encKey {
			continue
		}
		if !c.removeSanctionIndex(i, creds) {
			return ErrBadArgument
		}
		if creds == nil {
			return c.makeSanctionCreds()
		}
		return nil
	}
	return ErrBadArgument
}

// makeSanctionEntry builds, signs, installs and credential-advances a new
// sanction against the peer at index.
func (c *Chat) makeSanctionEntry(index int, sanctionType byte) (proto.Sanction, error) {
	var s proto.Sanction
	m := c.members[index]

	switch sanctionType {
	case proto.SanctionBan:
		if !m.conn.Addr.IsSet() {
			return s, ErrBadArgument
		}
		s.BanAddr = m.conn.Addr
		s.BanNick = append([]byte(nil), m.peer.Nick...)
		s.BanID = c.newBanID()
	case proto.SanctionObserver:
		s.TargetKey = m.conn.PublicKey.Enc()
	default:
		return s, ErrBadArgument
	}

	s.Type = sanctionType
	s.SignerKey = c.selfPK.Sig()
	s.TimeSet = uint64(c.s.now())
	c.signSanctionEntry(&s)

	if err := c.addSanction(s, nil); err != nil {
		return s, err
	}
	if err := c.makeSanctionCreds(); err != nil {
		return s, err
	}
	return s, nil
}

// replaceSanctionSigs re-signs every entry a demoted moderator signed and
// advances credentials. Returns the number of entries re-signed.
func (c *Chat) replaceSanctionSigs(sigKey [crypto.SigPublicKeySize]byte) int {
	count := 0
	for i := range c.sanctions {
		if c.sanctions[i].SignerKey != sigKey {
			continue
		}
		c.sanctions[i].SignerKey = c.selfPK.Sig()
		c.signSanctionEntry(&c.sanctions[i])
		count++
	}
	if count > 0 {
		if err := c.makeSanctionCreds(); err != nil {
			return 0
		}
	}
	return count
}

// refreshSanctions re-signs a demoted moderator's entries and re-broadcasts
// the list if anything changed.
func (c *Chat) refreshSanctions(sigKey [crypto.SigPublicKeySize]byte) error {
	if c.replaceSanctionSigs(sigKey) == 0 {
		return nil
	}
	return c.broadcastSanctionsList()
}

// sanctionsPayload is (sender hash, count, entries, credentials).
func (c *Chat) sanctionsPayload() []byte {
	w := c.payloadWriter(4 + len(c.sanctions)*256 + proto.SanctionCredsSize)
	w.U32(uint32(len(c.sanctions)))
	proto.PackSanctionList(w, c.sanctions, &c.sanctionsCreds)
	return w.Data()
}

func (c *Chat) sendSanctionsList(conn *Connection) error {
	return c.sendLossless(conn, proto.TypeSanctionsList, c.sanctionsPayload())
}

func (c *Chat) broadcastSanctionsList() error {
	c.sendLosslessAll(proto.TypeSanctionsList, c.sanctionsPayload())
	return nil
}

// handleSanctionsList verifies and installs a full sanctions list. A list
// failing its integrity check is never installed; if we hold no credentials
// baseline at all the sender is treated as malicious.
func (c *Chat) handleSanctionsList(index int, payload []byte) {
	r := proto.NewReader(payload)
	num := int(r.U32())
	if r.Err() != nil || num > proto.MaxSanctions {
		c.sanctionsRecovery(index)
		return
	}
	list, creds, ok := proto.UnpackSanctionList(r, num)
	if !ok {
		c.sanctionsRecovery(index)
		return
	}
	if !c.checkSanctionsIntegrity(list, &creds) {
		debuglog.Debugf("group %d: sanctions integrity check failed", c.groupNumber)
		c.sanctionsRecovery(index)
		return
	}

	c.sanctionsCreds = creds
	c.sanctions = list

	// Our observer seat could not be verified during the initial sync; do
	// it now that the list is in.
	if c.members[0].peer.Role == proto.RoleObserver && !c.isObserver(c.selfPK.Enc()) {
		c.members[0].peer.Role = proto.RoleUser
	}
}

func (c *Chat) sanctionsRecovery(index int) {
	// With a known-good baseline a bad list is just ignored.
	if c.sanctionsCreds.Version > 0 {
		return
	}
	c.peerDelete(index, []byte("bad sanctions list"))

	if c.sharedState.Version == 0 {
		c.connectionState = csDisconnected
		return
	}
	if len(c.members) <= 1 {
		return
	}
	_ = c.sendSyncRequest(c.members[1].conn)
}

// pruneOfflineMod removes the first moderator with no seated peer, then
// cascades the shared state, moderator list, sanctions and topic re-signs.
func (c *Chat) pruneOfflineMod() error {
	var target [crypto.SigPublicKeySize]byte
	found := false
	for i := range c.mods {
		if c.memberBySigKey(c.mods[i]) == -1 {
			target = c.mods[i]
			found = true
			break
		}
	}
	if !found {
		return ErrBadArgument
	}
	if err := c.modRemove(target); err != nil {
		return err
	}
	c.sharedState.ModListHash = c.modListHash()
	if err := c.signSharedState(); err != nil {
		return err
	}
	if err := c.broadcastSharedState(); err != nil {
		return err
	}
	if err := c.broadcastModList(); err != nil {
		return err
	}
	if err := c.refreshSanctions(target); err != nil {
		return err
	}
	return c.refreshTopic(target)
}
