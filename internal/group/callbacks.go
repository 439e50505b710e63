package group

// Callbacks is the upward event surface. Every field is optional; a nil
// callback is skipped. Callbacks run on the session thread with the session
// lock held, so they must not call back into the session.
type Callbacks struct {
	OnMessage        func(groupNumber int, peerID uint32, action bool, message []byte)
	OnPrivateMessage func(groupNumber int, peerID uint32, message []byte)
	OnCustomPacket   func(groupNumber int, peerID uint32, data []byte)
	OnModeration     func(groupNumber int, sourceID, targetID uint32, event byte)
	OnNickChange     func(groupNumber int, peerID uint32, nick []byte)
	OnStatusChange   func(groupNumber int, peerID uint32, status byte)
	OnTopicChange    func(groupNumber int, peerID uint32, topic []byte)
	OnPeerLimit      func(groupNumber int, maxPeers uint32)
	OnPrivacyState   func(groupNumber int, privacy byte)
	OnPassword       func(groupNumber int, password []byte)
	OnPeerJoin       func(groupNumber int, peerID uint32)
	OnPeerExit       func(groupNumber int, peerID uint32, partMessage []byte)
	OnSelfJoin       func(groupNumber int)
	OnRejected       func(groupNumber int, reason byte)
}
